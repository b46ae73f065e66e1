package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pad grows a buffer past the minimum partial-extraction length without
// adding recognizable fields.
func pad(s string) string {
	return s + strings.Repeat(" ", MinPartialLength)
}

func TestExtractPartial_ShortBufferSkipped(t *testing.T) {
	_, ok := ExtractPartial(`{"projectTitle": "Deck Build"`)
	assert.False(t, ok)
}

func TestExtractPartial_JSONBuffer(t *testing.T) {
	buf := pad(`{"projectTitle": "Deck Build", "currency": "USD", "totalAmount": 4800, "items": [{"description": "Decking boards", "amount": 1200}, {"description": "Joists", "amo`)

	fields, ok := ExtractPartial(buf)
	require.True(t, ok)
	assert.Equal(t, "Deck Build", fields.Title)
	assert.Equal(t, "USD", fields.Currency)
	assert.Equal(t, float64(4800), fields.TotalAmount)
	assert.Equal(t, 2, fields.ItemCount)
}

func TestExtractPartial_MarkupBuffer(t *testing.T) {
	buf := pad(`<estimate><project_title>Deck Build</project_title><currency>usd</currency><actions><action>+ description='Boards'</action><action>+ description='Joists'</action><action>+ desc`)

	fields, ok := ExtractPartial(buf)
	require.True(t, ok)
	assert.Equal(t, "Deck Build", fields.Title)
	assert.Equal(t, "USD", fields.Currency)
	assert.Equal(t, 2, fields.ItemCount, "only complete action elements count")
}

func TestExtractPartial_NothingRecognizable(t *testing.T) {
	buf := pad("The model is still thinking about how to structure this response")

	_, ok := ExtractPartial(buf)
	assert.False(t, ok)
}

func TestExtractPartial_SubsetOfFields(t *testing.T) {
	buf := pad(`{"currency": "EUR", "items": [`)

	fields, ok := ExtractPartial(buf)
	require.True(t, ok)
	assert.Equal(t, "EUR", fields.Currency)
	assert.Empty(t, fields.Title)
}
