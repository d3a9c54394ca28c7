package message

import (
	"fmt"
	"strings"
	"time"
)

// SanitizeForHeader strips bytes that would let attacker-controlled strings
// (hostnames, rDNS names) inject additional header lines.
func SanitizeForHeader(raw string) string {
	raw = strings.ReplaceAll(raw, "\r", "")
	return strings.ReplaceAll(raw, "\n", "")
}

// TLSInfo describes the transport security state of a connection for the
// Received: header. Delivery logging carries its own TLS fields in
// dispatch.TLSInfo and logrecord.Record.
type TLSInfo struct {
	Used          bool
	Protocol      string
	Cipher        string
	PeerSubject   string
}

// ReceivedHeader builds the "Received:" trace header value for a message
// accepted on ingress or relayed by the dispatcher. When tls.Used is true,
// it appends "with ESMTPS (<proto>:<cipher>)" as spec.md §4.5 requires;
// otherwise plain ESMTP is used.
func ReceivedHeader(fromHost, byHost, forAddr string, tls TLSInfo, when time.Time) string {
	var b strings.Builder
	b.Grow(192)

	if fromHost != "" {
		fmt.Fprintf(&b, "from %s\r\n\t", SanitizeForHeader(fromHost))
	}
	fmt.Fprintf(&b, "by %s ", SanitizeForHeader(byHost))

	proto := "ESMTP"
	if tls.Used {
		proto = "ESMTPS"
	}
	b.WriteString("with ")
	b.WriteString(proto)
	if tls.Used {
		fmt.Fprintf(&b, " (%s:%s)", tls.Protocol, tls.Cipher)
	}

	if forAddr != "" {
		fmt.Fprintf(&b, "\r\n\tfor <%s>", SanitizeForHeader(forAddr))
	}

	fmt.Fprintf(&b, ";\r\n\t%s", when.Format(time.RFC1123Z))
	return b.String()
}
