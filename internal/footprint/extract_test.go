package footprint

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Text(t *testing.T) {
	got, err := Extract(KindText, "  Trail runner.\n\n\n  Reads   sci-fi.  ")
	require.NoError(t, err)
	assert.Equal(t, "Trail runner.\nReads sci-fi.", got)
}

func TestExtract_HTML(t *testing.T) {
	page := `<html><head><title>Profile</title><style>p{color:red}</style></head>
<body>
  <h1>Sam &amp; the bikes</h1>
  <script>var x = "hidden";</script>
  <p>Weekend <b>mechanic</b>.</p>
  <ul><li>Coffee</li><li>Climbing</li></ul>
  Line<br/>break
</body></html>`

	got, err := Extract(KindHTML, page)
	require.NoError(t, err)

	assert.Equal(t, "Sam & the bikes\nWeekend mechanic.\nCoffee\nClimbing\nLine\nbreak", got)
	assert.NotContains(t, got, "hidden")
	assert.NotContains(t, got, "color")
	assert.NotContains(t, got, "Profile")
}

func TestExtract_PDFBadBase64(t *testing.T) {
	_, err := Extract(KindPDF, "not base64!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding pdf")
}

func TestExtract_PDFNotAPDF(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("plain text, no pdf header"))
	_, err := Extract(KindPDF, raw)
	require.Error(t, err)
}

func TestExtract_UnknownKind(t *testing.T) {
	_, err := Extract("docx", "x")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.False(t, ValidKind("docx"))
	assert.True(t, ValidKind(KindHTML))
}

func TestExtract_Truncates(t *testing.T) {
	long := strings.Repeat("é", MaxTextBytes)
	got, err := Extract(KindText, long)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), MaxTextBytes)
	assert.True(t, strings.HasSuffix(got, "é"))
}

func TestTruncate_RuneBoundary(t *testing.T) {
	assert.Equal(t, "ab", truncate("abé", 3))
	assert.Equal(t, "abé", truncate("abé", 4))
	assert.Equal(t, "short", truncate("short", 10))
}
