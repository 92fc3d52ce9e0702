package timeline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkcal/internal/model"
)

func TestWriteTable(t *testing.T) {
	plus2 := time.FixedZone("+02:00", 2*3600)
	events := []model.EventRecord{
		{Title: "Standup", Begin: time.Date(2024, 3, 1, 9, 0, 0, 0, plus2), End: time.Date(2024, 3, 1, 9, 15, 0, 0, plus2)},
		{Title: "Quarterly review", Begin: time.Date(2024, 3, 1, 16, 0, 0, 0, plus2), End: time.Date(2024, 3, 1, 17, 0, 0, 0, plus2)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, events, ""))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Standup          | 01 Mar 24 09:00 | 01 Mar 24 09:15", lines[0])
	assert.Equal(t, "Quarterly review | 01 Mar 24 16:00 | 01 Mar 24 17:00", lines[1])
}

func TestWriteTable_CustomLayoutAndEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, nil, ""))
	assert.Empty(t, buf.String())

	ev := model.EventRecord{Title: "Holiday", Begin: day(2024, 1, 10), End: day(2024, 1, 11)}
	require.NoError(t, WriteTable(&buf, []model.EventRecord{ev}, time.DateOnly))
	assert.Equal(t, "Holiday | 2024-01-10 | 2024-01-11\n", buf.String())
}
