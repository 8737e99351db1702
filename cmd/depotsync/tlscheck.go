package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorctl/depotsync/internal/mirror"
)

const tlsDialTimeout = 10 * time.Second

func runTLSCheck(cmd *cobra.Command, args []string) {
	config := mustLoadConfig(cmd)

	depots := []struct {
		name  string
		depot *mirror.DepotConfig
	}{
		{"source", &config.Source},
		{"destination", &config.Destination},
	}
	if len(args) == 1 {
		switch args[0] {
		case "source":
			depots = depots[:1]
		case "destination":
			depots = depots[1:]
		default:
			fmt.Printf("Unknown depot '%s'; use 'source' or 'destination'.\n", args[0])
			os.Exit(1)
		}
	}

	for _, d := range depots {
		checkDepotTLS(os.Stdout, d.name, d.depot, &config.TLS)
	}

	fmt.Println("TLS check complete.")
}

// checkDepotTLS reports the TLS status of one depot to w.
func checkDepotTLS(w io.Writer, name string, depot *mirror.DepotConfig, global *mirror.TLSConfig) {
	host := depot.URL.Hostname()
	port := depot.URL.Port()
	if depot.URL.Scheme != "https" {
		fmt.Fprintf(w, "Skipping %s depot %s: not an https URL.\n\n", name, depot.URL)
		return
	}
	if port == "" {
		port = "443"
	}

	fmt.Fprintf(w, "Checking TLS status for %s depot (%s:%s)...\n\n", name, host, port)

	tlsConfig := depot.GetEffectiveTLSConfig(global)
	checkTLSVersions(w, tlsConfig, host, port)
	checkCertificateDetails(w, tlsConfig, host, port)
}

func checkTLSVersions(w io.Writer, config *mirror.TLSConfig, host, port string) {
	fmt.Fprintln(w, "[+] TLS Version Support:")

	tlsVersions := []struct {
		version uint16
		name    string
	}{
		{tls.VersionTLS10, "TLS 1.0"},
		{tls.VersionTLS11, "TLS 1.1"},
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
	}

	dialer := &net.Dialer{Timeout: tlsDialTimeout}
	for _, tlsVer := range tlsVersions {
		// Build TLS config from the depot's effective settings
		tlsConf, err := config.BuildTLSConfig()
		if err != nil {
			fmt.Fprintf(w, "    %s: Error building TLS config (%v)\n", tlsVer.name, err)
			continue
		}

		// Override version settings to test specific version
		tlsConf.MinVersion = tlsVer.version
		tlsConf.MaxVersion = tlsVer.version

		conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
		if err != nil {
			fmt.Fprintf(w, "    %s: Not Supported (%v)\n", tlsVer.name, err)
		} else {
			fmt.Fprintf(w, "    %s: Supported\n", tlsVer.name)
			conn.Close()
		}
	}
	fmt.Fprintln(w)
}

func checkCertificateDetails(w io.Writer, config *mirror.TLSConfig, host, port string) {
	fmt.Fprintln(w, "[+] Connection Details:")

	tlsConf, err := config.BuildTLSConfig()
	if err != nil {
		fmt.Fprintf(w, "Error building TLS config: %v\n", err)
		return
	}

	dialer := &net.Dialer{Timeout: tlsDialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
	if err != nil {
		fmt.Fprintf(w, "Failed to establish connection: %v\n\n", err)
		return
	}
	defer conn.Close()

	connState := conn.ConnectionState()

	fmt.Fprintf(w, "    Negotiated Version: %s\n", tlsVersionString(connState.Version))
	fmt.Fprintf(w, "    Negotiated Cipher:  %s\n", tls.CipherSuiteName(connState.CipherSuite))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[+] Server Certificate Chain:")
	for i, cert := range connState.PeerCertificates {
		fmt.Fprintf(w, "    - Cert %d:\n", i)
		fmt.Fprintf(w, "      Subject:  %s\n", cert.Subject.CommonName)
		fmt.Fprintf(w, "      Issuer:   %s\n", cert.Issuer.CommonName)
		fmt.Fprintf(w, "      Expires:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if i < len(connState.PeerCertificates)-1 {
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintln(w)
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}
