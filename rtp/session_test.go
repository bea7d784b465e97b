package rtp

import (
	"net"
	"testing"
	"time"

	pion "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dialtone/audio"
)

func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestNewSession(t *testing.T) {
	conn := newLoopbackConn(t)
	defer conn.Close()
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}

	tests := []struct {
		name    string
		config  SessionConfig
		wantErr bool
	}{
		{
			name: "valid_config",
			config: SessionConfig{
				CallID:     "call-1",
				Codec:      audio.PCMU,
				Conn:       conn,
				RemoteAddr: remote,
			},
			wantErr: false,
		},
		{
			name: "empty_call_id",
			config: SessionConfig{
				Codec:      audio.PCMU,
				Conn:       conn,
				RemoteAddr: remote,
			},
			wantErr: true,
		},
		{
			name: "nil_conn",
			config: SessionConfig{
				CallID:     "call-1",
				Codec:      audio.PCMU,
				RemoteAddr: remote,
			},
			wantErr: true,
		},
		{
			name: "nil_remote_addr",
			config: SessionConfig{
				CallID: "call-1",
				Codec:  audio.PCMU,
				Conn:   conn,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			assert.Equal(t, "call-1", s.CallID())
			assert.Equal(t, audio.PCMU, s.Codec())
			assert.Equal(t, uint32(DefaultSamplesPerPacket), s.SamplesPerPacket())
			assert.NotZero(t, s.LocalPort())
		})
	}
}

func TestSessionSendReceive(t *testing.T) {
	connA := newLoopbackConn(t)
	connB := newLoopbackConn(t)

	received := make(chan []int16, 8)
	sessionB, err := NewSession(SessionConfig{
		CallID:     "call-b",
		Codec:      audio.PCMU,
		Conn:       connB,
		RemoteAddr: connA.LocalAddr().(*net.UDPAddr),
		OnAudio: func(callID string, pcm []int16) {
			received <- pcm
		},
	})
	require.NoError(t, err)
	sessionB.Start()
	defer sessionB.Close()

	sessionA, err := NewSession(SessionConfig{
		CallID:     "call-a",
		Codec:      audio.PCMU,
		Conn:       connA,
		RemoteAddr: connB.LocalAddr().(*net.UDPAddr),
	})
	require.NoError(t, err)
	defer sessionA.Close()

	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = 1000
	}
	require.NoError(t, sessionA.Send(frame))

	select {
	case pcm := <-received:
		require.Len(t, pcm, 160)
		assert.InDelta(t, 1000, pcm[0], 1024, "G.711 round trip should stay within quantization error")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded audio")
	}

	assert.Equal(t, uint64(1), sessionA.Stats().PacketsSent)
	assert.Equal(t, uint64(1), sessionB.Stats().PacketsReceived)
	assert.WithinDuration(t, time.Now(), sessionB.LastPacketAt(), 2*time.Second)
}

func TestSessionReordersWithJitterDepth(t *testing.T) {
	conn := newLoopbackConn(t)
	sender := newLoopbackConn(t)
	defer sender.Close()

	received := make(chan []int16, 8)
	session, err := NewSession(SessionConfig{
		CallID:      "call-jitter",
		Codec:       audio.PCMU,
		Conn:        conn,
		RemoteAddr:  sender.LocalAddr().(*net.UDPAddr),
		JitterDepth: 2,
		OnAudio: func(callID string, pcm []int16) {
			received <- pcm
		},
	})
	require.NoError(t, err)
	session.Start()
	defer session.Close()

	// Three distinguishable payloads: 0xFF decodes to 0, 0x80 to 32124,
	// 0x00 to -32124.
	send := func(seq uint16, fill byte) {
		payload := make([]byte, 160)
		for i := range payload {
			payload[i] = fill
		}
		packet := &pion.Packet{
			Header: pion.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 160,
				SSRC:           777,
			},
			Payload: payload,
		}
		data, err := packet.Marshal()
		require.NoError(t, err)
		_, err = sender.WriteToUDP(data, conn.LocalAddr().(*net.UDPAddr))
		require.NoError(t, err)
	}

	send(100, 0xFF)
	send(102, 0x00) // arrives before 101
	send(101, 0x80)

	want := []int16{0, 32124, -32124}
	for i, sample := range want {
		select {
		case pcm := <-received:
			require.Len(t, pcm, 160)
			assert.Equal(t, sample, pcm[0], "frame %d out of sequence order", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	conn := newLoopbackConn(t)
	session, err := NewSession(SessionConfig{
		CallID:     "call-closed",
		Codec:      audio.PCMA,
		Conn:       conn,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
	})
	require.NoError(t, err)
	session.Start()

	require.NoError(t, session.Close())

	err = session.Send(make([]int16, 160))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionCloseIdempotent(t *testing.T) {
	conn := newLoopbackConn(t)
	session, err := NewSession(SessionConfig{
		CallID:     "call-twice",
		Codec:      audio.PCMU,
		Conn:       conn,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
	})
	require.NoError(t, err)
	session.Start()

	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close())
}

func TestSessionRejectsEmptyFrame(t *testing.T) {
	conn := newLoopbackConn(t)
	session, err := NewSession(SessionConfig{
		CallID:     "call-empty",
		Codec:      audio.PCMU,
		Conn:       conn,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
	})
	require.NoError(t, err)
	defer session.Close()

	assert.Error(t, session.Send(nil))
}

func TestNewPortAllocator(t *testing.T) {
	tests := []struct {
		name    string
		min     int
		max     int
		wantErr bool
	}{
		{name: "valid_range", min: 10000, max: 20000, wantErr: false},
		{name: "odd_min_rounds_up", min: 10001, max: 20000, wantErr: false},
		{name: "zero_min", min: 0, max: 20000, wantErr: true},
		{name: "max_too_large", min: 10000, max: 70000, wantErr: true},
		{name: "inverted_range", min: 20000, max: 10000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPortAllocator("127.0.0.1", tt.min, tt.max)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestPortAllocatorBindsEvenPortsInRange(t *testing.T) {
	allocator, err := NewPortAllocator("127.0.0.1", 41000, 41006)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 2; i++ {
		conn, port, err := allocator.Bind()
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, 0, port%2, "media ports should be even")
		assert.GreaterOrEqual(t, port, 41000)
		assert.LessOrEqual(t, port, 41006)
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
}

func TestPortAllocatorFallsBackWhenExhausted(t *testing.T) {
	allocator, err := NewPortAllocator("127.0.0.1", 41100, 41100)
	require.NoError(t, err)

	first, firstPort, err := allocator.Bind()
	require.NoError(t, err)
	defer first.Close()
	require.Equal(t, 41100, firstPort)

	second, secondPort, err := allocator.Bind()
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, firstPort, secondPort, "exhausted range should fall back to an ephemeral port")
}
