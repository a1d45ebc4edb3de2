package issue

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
)

// RenderClientProfile renders a single-file .ovpn profile with inlined
// certificate material.
func (s *Service) RenderClientProfile(issued *Issued) string {
	var b strings.Builder
	b.WriteString("client\n")
	b.WriteString("dev tun\n")
	b.WriteString("proto udp\n")
	fmt.Fprintf(&b, "remote %s %d\n", s.remoteHost, s.remotePort)
	b.WriteString("resolv-retry infinite\n")
	b.WriteString("nobind\n")
	b.WriteString("persist-key\n")
	b.WriteString("persist-tun\n")
	b.WriteString("remote-cert-tls server\n")
	b.WriteString("verb 3\n")
	writeInline(&b, "ca", issued.CAPEM)
	writeInline(&b, "cert", issued.CertPEM)
	writeInline(&b, "key", issued.KeyPEM)
	return b.String()
}

func renderServerConfig(hostname string, port int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# OpenVPN server configuration for %s\n", hostname)
	fmt.Fprintf(&b, "port %d\n", port)
	b.WriteString("proto udp\n")
	b.WriteString("dev tun\n")
	b.WriteString("ca ca.crt\n")
	b.WriteString("cert server.crt\n")
	b.WriteString("key server.key\n")
	b.WriteString("topology subnet\n")
	b.WriteString("server 10.8.0.0 255.255.255.0\n")
	b.WriteString("keepalive 10 120\n")
	b.WriteString("persist-key\n")
	b.WriteString("persist-tun\n")
	b.WriteString("verb 3\n")
	return b.String()
}

func writeInline(b *strings.Builder, tag, pemData string) {
	fmt.Fprintf(b, "<%s>\n%s</%s>\n", tag, strings.TrimSuffix(pemData, "\n")+"\n", tag)
}

// ServerBundle packs a freshly issued server certificate into the ZIP
// consumed by the server-side CLI: CA cert, server cert and key, and a
// starter configuration.
func (s *Service) ServerBundle(issued *Issued, hostname string) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	files := []struct {
		name    string
		content string
	}{
		{"ca.crt", issued.CAPEM},
		{"server.crt", issued.CertPEM},
		{"server.key", issued.KeyPEM},
		{"server.conf", renderServerConfig(hostname, s.remotePort)},
	}

	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("unable to add %s to bundle: %w", f.name, err)
		}
		if _, err := w.Write([]byte(f.content)); err != nil {
			return nil, fmt.Errorf("unable to write %s: %w", f.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("unable to finish bundle: %w", err)
	}
	return buf.Bytes(), nil
}
