// Package template sanitizes user supplied header and footer markup and wraps it
// in the containers the renderer injects into captured pages.
package template

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Slot selects where a fragment is placed.
type Slot int

const (
	SlotHeader Slot = iota
	SlotFooter
)

const (
	HeaderID = "reportingHeader"
	FooterID = "reportingFooter"
)

// DefaultHeader is used when a report has no header of its own.
const DefaultHeader = "<h1>Dashboard Report</h1>"

// ID is the stable element id the stylesheet targets.
func (s Slot) ID() string {
	if s == SlotFooter {
		return FooterID
	}
	return HeaderID
}

// Stylesheet styles both wrappers. It is injected together with them.
const Stylesheet = `
#reportingHeader, #reportingFooter {
  width: 100%;
  box-sizing: border-box;
  padding: 8px 16px;
  background: #ffffff;
  color: #1a1c21;
  font-family: "Inter UI", -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
  font-size: 14px;
  line-height: 1.5;
}
#reportingHeader { border-bottom: 1px solid #d3dae6; margin-bottom: 8px; }
#reportingFooter { border-top: 1px solid #d3dae6; margin-top: 8px; }
#reportingHeader .reportContent img, #reportingFooter .reportContent img { max-height: 64px; }
#reportingHeader h1, #reportingFooter h1 { font-size: 22px; margin: 0; }
`

// Compose wraps an already sanitized fragment in the container for slot.
func Compose(fragment string, slot Slot) string {
	return fmt.Sprintf(`<div id="%s" class="reportWrapper"><div class="reportContent">%s</div></div>`, slot.ID(), fragment)
}

// Sanitizer strips unsafe markup.
type Sanitizer interface {
	Sanitize(html string) string
}

type policySanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a user-generated-content policy that also keeps classes
// and a small set of presentational inline styles.
func NewSanitizer() Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	p.AllowStyles("color", "background-color", "text-align", "font-size", "font-weight", "font-style",
		"text-decoration", "margin", "padding").Globally()
	return &policySanitizer{policy: p}
}

func (s *policySanitizer) Sanitize(html string) string {
	return s.policy.Sanitize(html)
}

// Composer turns raw header and footer text into injectable markup.
type Composer struct {
	sanitizer Sanitizer
}

func NewComposer(s Sanitizer) *Composer {
	if s == nil {
		s = NewSanitizer()
	}
	return &Composer{sanitizer: s}
}

// Header sanitizes raw and wraps it, falling back to DefaultHeader when raw is blank.
func (c *Composer) Header(raw string) string {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultHeader
	}
	return Compose(c.sanitizer.Sanitize(raw), SlotHeader)
}

// Footer sanitizes raw and wraps it. A blank footer yields an empty wrapper.
func (c *Composer) Footer(raw string) string {
	return Compose(c.sanitizer.Sanitize(raw), SlotFooter)
}
