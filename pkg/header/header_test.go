package header

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollection_AddGet(t *testing.T) {
	c := New()
	c.Add("AS2-From", "A")
	c.Add("Message-ID", "<1@x>")

	v, ok := c.Get("as2-from")
	assert.True(t, ok)
	assert.Equal(t, "A", v)

	_, ok = c.Get("as2-to")
	assert.False(t, ok)
	assert.Equal(t, "", c.Value("as2-to"))
	assert.Equal(t, 2, c.Len())
}

func TestCollection_OverwriteKeepsPosition(t *testing.T) {
	c := New()
	c.Add("Content-Type", "text/plain")
	c.Add("AS2-To", "B")
	c.Add("content-type", "application/edi-x12")

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"content-type", "AS2-To"}, c.Names())
	assert.Equal(t, "application/edi-x12", c.Value("CONTENT-TYPE"))
}

func TestCollection_Remove(t *testing.T) {
	c := New()
	c.Add("A", "1")
	c.Add("B", "2")
	c.Add("C", "3")

	c.Remove("b")
	c.Remove("missing")

	assert.Equal(t, []string{"A", "C"}, c.Names())
	assert.Equal(t, "3", c.Value("c"))
	assert.False(t, c.Has("B"))

	c.Add("B", "4")
	assert.Equal(t, []string{"A", "C", "B"}, c.Names())
}

func TestCollection_String(t *testing.T) {
	c := New()
	c.Add("AS2-Version", "1.2")
	c.Add("Subject", "Invoice")

	assert.Equal(t, "AS2-Version: 1.2\r\nSubject: Invoice", c.String())
}

func TestCollection_ZeroValue(t *testing.T) {
	var c Collection
	assert.False(t, c.Has("x"))
	c.Remove("x")
	c.Add("X", "1")
	assert.Equal(t, "1", c.Value("x"))
}

func TestParseBlock(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   map[string]string
		body   string
		length int
	}{
		{
			name:   "crlf with body",
			input:  "Content-Type: text/plain\r\nMessage-ID: <1@x>\r\n\r\nhello",
			want:   map[string]string{"content-type": "text/plain", "message-id": "<1@x>"},
			body:   "hello",
			length: 2,
		},
		{
			name:   "folded continuation",
			input:  "Content-Type: multipart/signed;\n\tprotocol=\"application/pkcs7-signature\";\n  micalg=sha1\n\nbody\n\nmore",
			want:   map[string]string{"content-type": "multipart/signed; protocol=\"application/pkcs7-signature\"; micalg=sha1"},
			body:   "body\n\nmore",
			length: 1,
		},
		{
			name:   "no body",
			input:  "Disposition: automatic-action/MDN-sent-automatically; processed\r\nOriginal-Message-ID: <1@x>",
			want:   map[string]string{"disposition": "automatic-action/MDN-sent-automatically; processed", "original-message-id": "<1@x>"},
			length: 2,
		},
		{
			name:   "junk lines skipped",
			input:  "not a header\r\nX-A: 1\r\n\r\n",
			want:   map[string]string{"x-a": "1"},
			length: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, body := ParseBlock(tt.input)
			require.Equal(t, tt.length, c.Len())
			for k, v := range tt.want {
				assert.Equal(t, v, c.Value(k), k)
			}
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestFromTransport(t *testing.T) {
	c := FromTransport(map[string]string{
		"HTTP_AS2_FROM":   "A",
		"HTTP_AS2_TO":     "B",
		"HTTP_MESSAGE_ID": "<1@x>",
		"CONTENT_TYPE":    "application/pkcs7-mime",
		"REMOTE_ADDR":     "10.0.0.1",
	})

	assert.Equal(t, 4, c.Len())
	assert.Equal(t, "A", c.Value("AS2-From"))
	assert.Equal(t, "<1@x>", c.Value("message-id"))
	assert.Contains(t, c.Names(), "As2-From")
	assert.Contains(t, c.Names(), "Content-Type")
	assert.False(t, c.Has("remote-addr"))
}

func TestFromHTTPAndWriteTo(t *testing.T) {
	h := http.Header{}
	h.Set("As2-From", "A")
	h.Add("Accept", "a")
	h.Add("Accept", "b")

	c := FromHTTP(h)
	assert.Equal(t, "A", c.Value("AS2-FROM"))
	assert.Equal(t, "a, b", c.Value("accept"))

	out := New()
	out.Add("AS2-To", "B")
	out.Add("Subject", "line\r\n break")
	dst := http.Header{}
	out.WriteTo(dst)
	assert.Equal(t, []string{"B"}, dst["AS2-To"])
	assert.Equal(t, []string{"line break"}, dst["Subject"])
}
