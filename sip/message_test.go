package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantErr    bool
		wantMethod string
		wantURI    string
		wantBody   string
	}{
		{
			name: "invite_with_body",
			data: "INVITE sip:agent@10.0.0.1 SIP/2.0\r\n" +
				"Via: SIP/2.0/UDP 10.0.0.2:5060\r\n" +
				"Call-ID: abc-123\r\n" +
				"\r\n" +
				"v=0",
			wantMethod: MethodInvite,
			wantURI:    "sip:agent@10.0.0.1",
			wantBody:   "v=0",
		},
		{
			name: "options_without_body",
			data: "OPTIONS sip:agent@10.0.0.1 SIP/2.0\r\n" +
				"Call-ID: probe-1\r\n",
			wantMethod: MethodOptions,
			wantURI:    "sip:agent@10.0.0.1",
			wantBody:   "",
		},
		{
			name: "lowercase_method_normalized",
			data: "bye sip:agent@10.0.0.1 SIP/2.0\r\n" +
				"Call-ID: abc-123\r\n",
			wantMethod: MethodBye,
			wantURI:    "sip:agent@10.0.0.1",
		},
		{
			name:    "too_short",
			data:    "hi",
			wantErr: true,
		},
		{
			name:    "missing_request_line_fields",
			data:    "INVITE sip:agent@10.0.0.1\r\nCall-ID: x\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, req.Method)
			assert.Equal(t, tt.wantURI, req.URI)
			assert.Equal(t, "SIP/2.0", req.Proto)
			assert.Equal(t, tt.wantBody, string(req.Body))
		})
	}
}

func TestRequestHeaderLookupIsCaseInsensitive(t *testing.T) {
	data := "INVITE sip:agent@10.0.0.1 SIP/2.0\r\n" +
		"CALL-ID: abc-123\r\n" +
		"cseq: 1 INVITE\r\n" +
		"From: <sip:caller@10.0.0.2>\r\n" +
		"this line has no colon and is skipped\r\n"

	req, err := ParseRequest([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "abc-123", req.Header("Call-ID"))
	assert.Equal(t, "1 INVITE", req.Header("CSeq"))
	assert.Equal(t, "<sip:caller@10.0.0.2>", req.Header("from"))
	assert.Equal(t, "", req.Header("Contact"))
}

func TestNewResponseEchoesTransactionHeaders(t *testing.T) {
	data := "INVITE sip:agent@10.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK776\r\n" +
		"From: <sip:caller@10.0.0.2>;tag=caller1\r\n" +
		"To: <sip:agent@10.0.0.1>\r\n" +
		"Call-ID: abc-123\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"User-Agent: testclient\r\n"

	req, err := ParseRequest([]byte(data))
	require.NoError(t, err)

	resp := NewResponse(req, StatusOK, "OK")
	rendered := string(resp.Marshal())

	assert.True(t, strings.HasPrefix(rendered, "SIP/2.0 200 OK\r\n"))
	assert.Contains(t, rendered, "Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK776\r\n")
	assert.Contains(t, rendered, "From: <sip:caller@10.0.0.2>;tag=caller1\r\n")
	assert.Contains(t, rendered, "Call-ID: abc-123\r\n")
	assert.Contains(t, rendered, "CSeq: 1 INVITE\r\n")
	assert.NotContains(t, rendered, "User-Agent", "only transaction headers are echoed")
	assert.Contains(t, rendered, "Content-Length: 0\r\n")
}

func TestResponseWithToTag(t *testing.T) {
	tests := []struct {
		name    string
		to      string
		wantTag bool
	}{
		{name: "adds_missing_tag", to: "<sip:agent@10.0.0.1>", wantTag: true},
		{name: "keeps_existing_tag", to: "<sip:agent@10.0.0.1>;tag=existing", wantTag: false},
		{name: "existing_tag_any_case", to: "<sip:agent@10.0.0.1>;TAG=existing", wantTag: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{
				Method:  MethodInvite,
				Proto:   "SIP/2.0",
				Headers: []Header{{Name: "To", Value: tt.to}},
			}
			resp := NewResponse(req, StatusRinging, "Ringing").WithToTag("newtag99")
			rendered := string(resp.Marshal())

			if tt.wantTag {
				assert.Contains(t, rendered, "To: "+tt.to+";tag=newtag99")
			} else {
				assert.Contains(t, rendered, "To: "+tt.to)
				assert.NotContains(t, rendered, "newtag99")
			}
		})
	}
}

func TestResponseMarshalWithBody(t *testing.T) {
	req := &Request{
		Method: MethodInvite,
		Proto:  "SIP/2.0",
		Headers: []Header{
			{Name: "Call-ID", Value: "abc-123"},
		},
	}

	resp := NewResponse(req, StatusOK, "OK").WithBody("application/sdp", []byte("v=0\r\n"))
	rendered := string(resp.Marshal())

	assert.Contains(t, rendered, "Content-Type: application/sdp\r\n")
	assert.Contains(t, rendered, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(rendered, "\r\n\r\nv=0\r\n"))
}

func TestResponseDefaultProto(t *testing.T) {
	resp := NewResponse(&Request{}, StatusOK, "OK")
	assert.True(t, strings.HasPrefix(string(resp.Marshal()), "SIP/2.0 200 OK\r\n"))
}
