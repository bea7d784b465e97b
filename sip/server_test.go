package sip

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	pion "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dialtone/audio"
)

type endedCall struct {
	callID string
	reason string
}

func startTestServer(t *testing.T, config ServerConfig) (*Server, *net.UDPConn) {
	t.Helper()

	config.ListenAddr = "127.0.0.1:0"
	config.MediaHost = "127.0.0.1"
	if config.MinMediaPort == 0 {
		config.MinMediaPort = 42000
		config.MaxMediaPort = 42998
	}
	if config.AnswerDelay == 0 {
		config.AnswerDelay = 50 * time.Millisecond
	}

	server, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return server, client
}

func sendRequest(t *testing.T, client *net.UDPConn, server *Server, data string) {
	t.Helper()
	_, err := client.WriteToUDP([]byte(data), server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
}

func readResponse(t *testing.T, client *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err, "timed out waiting for response")
	return string(buf[:n])
}

func responseBody(t *testing.T, resp string) []byte {
	t.Helper()
	idx := strings.Index(resp, "\r\n\r\n")
	require.GreaterOrEqual(t, idx, 0, "response has no header/body separator")
	return []byte(resp[idx+4:])
}

func extractToTag(t *testing.T, resp string) string {
	t.Helper()
	for _, line := range strings.Split(resp, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), "to:") {
			idx := strings.Index(strings.ToLower(line), ";tag=")
			require.GreaterOrEqual(t, idx, 0, "To header missing tag: %q", line)
			return line[idx+5:]
		}
	}
	t.Fatalf("no To header in response: %q", resp)
	return ""
}

func inviteRequest(callID, body string) string {
	return "INVITE sip:agent@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bK776\r\n" +
		"From: <sip:caller@127.0.0.1>;tag=caller1\r\n" +
		"To: <sip:agent@127.0.0.1>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"\r\n" + body
}

func byeRequest(callID string) string {
	return "BYE sip:agent@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bK777\r\n" +
		"From: <sip:caller@127.0.0.1>;tag=caller1\r\n" +
		"To: <sip:agent@127.0.0.1>;tag=srv1\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 2 BYE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
}

func TestServerAnswersInvite(t *testing.T) {
	started := make(chan string, 1)
	server, client := startTestServer(t, ServerConfig{
		OnCallStarted: func(callID string) { started <- callID },
	})

	offer := string(offerBody(10500, "0", "0 PCMU/8000"))
	sendRequest(t, client, server, inviteRequest("call-e2e-1", offer))

	ringing := readResponse(t, client)
	assert.True(t, strings.HasPrefix(ringing, "SIP/2.0 180 Ringing"), "got %q", ringing)

	okResp := readResponse(t, client)
	assert.True(t, strings.HasPrefix(okResp, "SIP/2.0 200 OK"), "got %q", okResp)
	assert.Contains(t, okResp, "Content-Type: application/sdp")
	assert.Contains(t, okResp, "PCMU/8000")

	assert.Equal(t, extractToTag(t, ringing), extractToTag(t, okResp),
		"ringing and answer must carry the same dialog tag")

	answer, err := ParseOffer(responseBody(t, okResp))
	require.NoError(t, err)
	assert.Equal(t, 0, answer.Port%2, "media port must be even")
	assert.GreaterOrEqual(t, answer.Port, 42000)
	assert.LessOrEqual(t, answer.Port, 42998)
	assert.Equal(t, []uint8{0}, answer.PayloadTypes)

	select {
	case callID := <-started:
		assert.Equal(t, "call-e2e-1", callID)
	case <-time.After(time.Second):
		t.Fatal("call started hook never fired")
	}

	call, live := server.Call("call-e2e-1")
	require.True(t, live)
	assert.Equal(t, CallActive, call.State())
	assert.Equal(t, audio.PCMU, call.Codec())
	assert.Equal(t, 10500, call.RemoteMedia().Port)
}

func TestServerAnswersRegisterAndOptions(t *testing.T) {
	server, client := startTestServer(t, ServerConfig{})

	for _, method := range []string{MethodRegister, MethodOptions} {
		t.Run(strings.ToLower(method), func(t *testing.T) {
			req := method + " sip:agent@127.0.0.1 SIP/2.0\r\n" +
				"Via: SIP/2.0/UDP 127.0.0.1:5070\r\n" +
				"From: <sip:caller@127.0.0.1>;tag=caller1\r\n" +
				"To: <sip:agent@127.0.0.1>\r\n" +
				"Call-ID: probe-" + method + "\r\n" +
				"CSeq: 1 " + method + "\r\n" +
				"\r\n"
			sendRequest(t, client, server, req)

			resp := readResponse(t, client)
			assert.True(t, strings.HasPrefix(resp, "SIP/2.0 200 OK"), "got %q", resp)
			assert.Contains(t, resp, "Call-ID: probe-"+method)
			assert.Contains(t, resp, ";tag=")
		})
	}
}

func TestServerByeEndsCall(t *testing.T) {
	ended := make(chan endedCall, 1)
	server, client := startTestServer(t, ServerConfig{
		OnCallEnded: func(callID, reason string) { ended <- endedCall{callID, reason} },
	})

	offer := string(offerBody(10500, "0", "0 PCMU/8000"))
	sendRequest(t, client, server, inviteRequest("call-bye-1", offer))
	readResponse(t, client) // ringing
	readResponse(t, client) // ok

	sendRequest(t, client, server, byeRequest("call-bye-1"))
	resp := readResponse(t, client)
	assert.True(t, strings.HasPrefix(resp, "SIP/2.0 200 OK"), "got %q", resp)

	select {
	case e := <-ended:
		assert.Equal(t, "call-bye-1", e.callID)
		assert.Equal(t, ReasonRemoteBye, e.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("call ended hook never fired")
	}

	_, live := server.Call("call-bye-1")
	assert.False(t, live, "ended call must leave the registry")
}

func TestServerIgnoresMalformedDatagrams(t *testing.T) {
	server, client := startTestServer(t, ServerConfig{})

	sendRequest(t, client, server, "x")
	sendRequest(t, client, server, "NOTIFY sip:agent@127.0.0.1 SIP/2.0\r\nCall-ID: n1\r\n\r\n")

	// The listener must survive junk and keep answering.
	sendRequest(t, client, server, "OPTIONS sip:agent@127.0.0.1 SIP/2.0\r\n"+
		"To: <sip:agent@127.0.0.1>\r\n"+
		"Call-ID: alive-check\r\n"+
		"CSeq: 1 OPTIONS\r\n"+
		"\r\n")

	resp := readResponse(t, client)
	assert.Contains(t, resp, "200 OK")
	assert.Contains(t, resp, "alive-check")
}

func TestServerRejectsOfferWithoutCommonCodec(t *testing.T) {
	server, client := startTestServer(t, ServerConfig{})

	offer := string(offerBody(10500, "96", "96 opus/48000/2"))
	sendRequest(t, client, server, inviteRequest("call-488", offer))

	resp := readResponse(t, client)
	assert.True(t, strings.HasPrefix(resp, "SIP/2.0 488 Not Acceptable Here"), "got %q", resp)

	_, live := server.Call("call-488")
	assert.False(t, live)
}

func TestServerForceEndsSilentCall(t *testing.T) {
	ended := make(chan endedCall, 1)
	server, client := startTestServer(t, ServerConfig{
		RTPInactivity: 150 * time.Millisecond,
		OnCallEnded:   func(callID, reason string) { ended <- endedCall{callID, reason} },
	})

	offer := string(offerBody(10500, "0", "0 PCMU/8000"))
	sendRequest(t, client, server, inviteRequest("call-silent", offer))
	readResponse(t, client) // ringing
	readResponse(t, client) // ok

	select {
	case e := <-ended:
		assert.Equal(t, "call-silent", e.callID)
		assert.Equal(t, ReasonRTPTimeout, e.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("silent call was never force-ended")
	}

	_, live := server.Call("call-silent")
	assert.False(t, live)
}

func TestServerStopEndsActiveCalls(t *testing.T) {
	ended := make(chan endedCall, 1)
	server, client := startTestServer(t, ServerConfig{
		OnCallEnded: func(callID, reason string) { ended <- endedCall{callID, reason} },
	})

	offer := string(offerBody(10500, "0", "0 PCMU/8000"))
	sendRequest(t, client, server, inviteRequest("call-shutdown", offer))
	readResponse(t, client) // ringing
	readResponse(t, client) // ok

	require.NoError(t, server.Stop())

	select {
	case e := <-ended:
		assert.Equal(t, "call-shutdown", e.callID)
		assert.Equal(t, ReasonShutdown, e.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not end the call")
	}

	assert.NoError(t, server.Stop(), "second stop must be a no-op")
}

func TestServerRepliesCachedAnswerOnRetransmittedInvite(t *testing.T) {
	server, client := startTestServer(t, ServerConfig{})

	invite := inviteRequest("call-retrans", string(offerBody(10500, "0", "0 PCMU/8000")))
	sendRequest(t, client, server, invite)
	readResponse(t, client) // ringing
	okResp := readResponse(t, client)

	sendRequest(t, client, server, invite)
	retrans := readResponse(t, client)

	assert.True(t, strings.HasPrefix(retrans, "SIP/2.0 200 OK"), "got %q", retrans)
	assert.Equal(t, responseBody(t, okResp), responseBody(t, retrans),
		"retransmission must replay the original answer")
}

func TestServerDeliversInboundAudio(t *testing.T) {
	received := make(chan []int16, 8)
	server, client := startTestServer(t, ServerConfig{
		OnAudio: func(callID string, pcm []int16) {
			if callID == "call-audio" {
				received <- pcm
			}
		},
	})

	offer := string(offerBody(10500, "0", "0 PCMU/8000"))
	sendRequest(t, client, server, inviteRequest("call-audio", offer))
	readResponse(t, client) // ringing
	okResp := readResponse(t, client)

	answer, err := ParseOffer(responseBody(t, okResp))
	require.NoError(t, err)

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer rtpConn.Close()

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF // mu-law silence, decodes to 0
	}
	packet := &pion.Packet{
		Header: pion.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 1,
			Timestamp:      160,
			SSRC:           99,
		},
		Payload: payload,
	}
	data, err := packet.Marshal()
	require.NoError(t, err)
	_, err = rtpConn.WriteToUDP(data, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: answer.Port})
	require.NoError(t, err)

	select {
	case pcm := <-received:
		require.Len(t, pcm, 160)
		assert.Equal(t, int16(0), pcm[0])
	case <-time.After(2 * time.Second):
		t.Fatal("decoded audio never reached the handler")
	}
}
