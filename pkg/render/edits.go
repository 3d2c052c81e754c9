package render

import (
	"context"
	"encoding/json"
	"fmt"

	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
	"github.com/FulgerX2007/visual-reports-app/pkg/template"
)

// EditOp is a DOM operation understood by applyEditsScript.
type EditOp string

const (
	OpRemove     EditOp = "remove"
	OpStyle      EditOp = "style"
	OpPrepend    EditOp = "prepend"
	OpAppend     EditOp = "append"
	OpStylesheet EditOp = "stylesheet"
)

// Edit is one DOM change. Missing targets are skipped.
type Edit struct {
	Op       EditOp `json:"op"`
	Selector string `json:"selector,omitempty"`
	HTML     string `json:"html,omitempty"`
	Property string `json:"property,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Content selectors per visual source.
const (
	DashboardSelector     = "#dashboardViewport"
	VisualizationSelector = ".visEditor__canvas"
)

// Host chrome stripped from every capture.
var chromeSelectors = []string{
	".headerGlobalNav",
	".globalQueryBar",
	".visEditor__content .collapsible-sidebar",
	"[data-test-subj=\"dashboardEditMode\"]",
	"[data-test-subj=\"dashboardPanelTitle\"] .embPanel__optionsMenuButton",
	".euiBottomBar",
}

// ContentSelector returns the selector that marks the captured region.
func ContentSelector(source model.ReportSource) (string, error) {
	switch source {
	case model.SourceDashboard:
		return DashboardSelector, nil
	case model.SourceVisualization:
		return VisualizationSelector, nil
	default:
		return "", appErrors.Validation("report source for visual report can only be one of [%s, %s], got %q",
			model.SourceDashboard, model.SourceVisualization, source)
	}
}

// Edits lists the DOM changes applied after the page is stable and before capture.
// header and footer are already composed markup.
func Edits(source model.ReportSource, header, footer string) ([]Edit, error) {
	selector, err := ContentSelector(source)
	if err != nil {
		return nil, err
	}

	edits := make([]Edit, 0, len(chromeSelectors)+5)
	for _, sel := range chromeSelectors {
		edits = append(edits, Edit{Op: OpRemove, Selector: sel})
	}
	edits = append(edits,
		Edit{Op: OpStyle, Selector: ".coreSystemRootDomElement.euiBody--headerIsFixed", Property: "paddingTop", Value: "0px"},
		Edit{Op: OpStyle, Selector: "body", Property: "paddingTop", Value: "0px"},
		Edit{Op: OpStylesheet, HTML: template.Stylesheet},
		Edit{Op: OpPrepend, Selector: selector, HTML: header},
		Edit{Op: OpAppend, Selector: selector, HTML: footer},
	)
	return edits, nil
}

// applyEditsScript receives the JSON encoded edit list and returns how many edits found a target.
const applyEditsScript = `(raw) => {
  const edits = JSON.parse(raw);
  let applied = 0;
  const fragment = (html) => {
    const tpl = document.createElement('template');
    tpl.innerHTML = html;
    return tpl.content;
  };
  for (const e of edits) {
    switch (e.op) {
      case 'remove':
        document.querySelectorAll(e.selector).forEach((n) => { n.remove(); applied++; });
        break;
      case 'style':
        document.querySelectorAll(e.selector).forEach((n) => { n.style[e.property] = e.value; applied++; });
        break;
      case 'stylesheet': {
        const s = document.createElement('style');
        s.textContent = e.html;
        document.head.appendChild(s);
        applied++;
        break;
      }
      case 'prepend': {
        const t = document.querySelector(e.selector);
        if (t) { t.prepend(fragment(e.html)); applied++; }
        break;
      }
      case 'append': {
        const t = document.querySelector(e.selector);
        if (t) { t.append(fragment(e.html)); applied++; }
        break;
      }
    }
  }
  return applied;
}`

// ApplyEdits runs the edit list in the session's page.
func ApplyEdits(ctx context.Context, s Session, edits []Edit) error {
	raw, err := json.Marshal(edits)
	if err != nil {
		return fmt.Errorf("encode dom edits: %w", err)
	}
	if _, err := s.Eval(ctx, applyEditsScript, string(raw)); err != nil {
		return err
	}
	return nil
}
