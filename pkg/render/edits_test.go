package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
	"github.com/FulgerX2007/visual-reports-app/pkg/template"
)

func TestContentSelector(t *testing.T) {
	sel, err := ContentSelector(model.SourceDashboard)
	require.NoError(t, err)
	assert.Equal(t, "#dashboardViewport", sel)

	sel, err = ContentSelector(model.SourceVisualization)
	require.NoError(t, err)
	assert.Equal(t, ".visEditor__canvas", sel)

	_, err = ContentSelector(model.SourceSavedSearch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Contains(t, err.Error(), "can only be one of [Dashboard, Visualization]")
}

func TestEditsOrder(t *testing.T) {
	header := template.Compose("<h1>H</h1>", template.SlotHeader)
	footer := template.Compose("<p>F</p>", template.SlotFooter)

	edits, err := Edits(model.SourceVisualization, header, footer)
	require.NoError(t, err)
	require.Len(t, edits, len(chromeSelectors)+5)

	for i := range chromeSelectors {
		assert.Equal(t, OpRemove, edits[i].Op)
	}
	tail := edits[len(chromeSelectors):]
	assert.Equal(t, OpStyle, tail[0].Op)
	assert.Equal(t, OpStyle, tail[1].Op)
	assert.Equal(t, OpStylesheet, tail[2].Op)
	assert.Equal(t, Edit{Op: OpPrepend, Selector: VisualizationSelector, HTML: header}, tail[3])
	assert.Equal(t, Edit{Op: OpAppend, Selector: VisualizationSelector, HTML: footer}, tail[4])
}

func TestEditsRejectsDataSource(t *testing.T) {
	edits, err := Edits(model.SourceSavedSearch, "", "")
	assert.Error(t, err)
	assert.Nil(t, edits)
}

func TestApplyEditsSendsJSON(t *testing.T) {
	s := &fakeSession{backend: &fakeBackend{}}
	edits := []Edit{{Op: OpRemove, Selector: ".headerGlobalNav"}}

	require.NoError(t, ApplyEdits(context.Background(), s, edits))

	var got []Edit
	require.NoError(t, json.Unmarshal([]byte(s.evalArg), &got))
	assert.Equal(t, edits, got)
}

func TestWrapPNGInPDF(t *testing.T) {
	out, err := WrapPNGInPDF(tinyPNG())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	_, err = WrapPNGInPDF([]byte("not an image"))
	assert.Error(t, err)
}

func TestPaperInches(t *testing.T) {
	w, h := paperInches(960, 1920)
	assert.InDelta(t, 10.0, w, 1e-9)
	assert.InDelta(t, 20.0, h, 1e-9)

	w, h = paperInches(10, 96*500)
	assert.Equal(t, 1.0, w)
	assert.Equal(t, maxPaperInches, h)
}
