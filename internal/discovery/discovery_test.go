package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestFilterIPv4DropsIPv6(t *testing.T) {
	in := []string{"10.0.0.1", "::1", "2001:db8::1", "192.168.1.5"}
	require.ElementsMatch(t, []string{"10.0.0.1", "192.168.1.5"}, filterIPv4(in))
}

func TestFilterIPv4RejectsGarbage(t *testing.T) {
	require.Empty(t, filterIPv4([]string{"not-an-ip"}))
}

// startTestDNSServer spins up a UDP DNS server answering fixed A records for
// one alias, following the teacher's resolver_test.go idiom of testing
// against a real in-process miekg/dns server rather than mocking the client.
func startTestDNSServer(t *testing.T, alias string, ips []string) string {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(alias), func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		for _, ip := range ips {
			rr, err := dns.NewRR(dns.Fqdn(alias) + " 5 IN A " + ip)
			require.NoError(t, err)
			msg.Answer = append(msg.Answer, rr)
		}
		_ = w.WriteMsg(msg)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolveViaCustomServerReturnsSortedDeduplicatedAddresses(t *testing.T) {
	addr := startTestDNSServer(t, "mn.redcloud.internal.", []string{"10.0.0.3", "10.0.0.1", "10.0.0.1", "10.0.0.2"})

	r := New(addr, 7100)
	got, err := r.Resolve(t.Context(), "mn.redcloud.internal.")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:7100", "10.0.0.2:7100", "10.0.0.3:7100"}, got)
}

func TestResolveViaCustomServerNoAnswers(t *testing.T) {
	addr := startTestDNSServer(t, "mn.redcloud.internal.", nil)

	r := New(addr, 7100)
	got, err := r.Resolve(t.Context(), "mn.redcloud.internal.")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestResolveViaCustomServerTimesOutOnUnreachableServer(t *testing.T) {
	r := New("127.0.0.1:1", 7100) // nothing listens here
	r.timeout = 200 * time.Millisecond

	_, err := r.Resolve(t.Context(), "mn.redcloud.internal.")
	require.Error(t, err)
}
