package mime

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// wrapColumn is the line width RenderText wraps rendered paragraphs to.
const wrapColumn = 80

// RenderText renders an HTML document down to plain text: script and style
// elements are dropped, block-level elements introduce paragraph breaks,
// and anchors are flattened to "[text](href)". The result is wrapped to
// wrapColumn columns.
func RenderText(htmlBody string) string {
	z := html.NewTokenizer(strings.NewReader(htmlBody))
	var out strings.Builder
	var para strings.Builder
	var skipDepth int
	var linkHref string
	var inLink bool

	// Newlines in para come only from <br>; whitespace within each line is
	// collapsed, and blank lines are dropped.
	flushPara := func() {
		var lines []string
		for _, line := range strings.Split(para.String(), "\n") {
			if line = collapseSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out.WriteString(wrap(strings.Join(lines, "\n"), wrapColumn))
			out.WriteString("\n\n")
		}
		para.Reset()
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			flushPara()
			return strings.TrimRight(out.String(), "\n") + "\n"

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style:
				if tt == html.StartTagToken {
					skipDepth++
				}
			case atom.Br:
				para.WriteString("\n")
			case atom.P, atom.Div, atom.Tr, atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				flushPara()
			case atom.A:
				inLink = true
				linkHref = ""
				if hasAttr {
					for {
						key, val, more := z.TagAttr()
						if string(key) == "href" {
							linkHref = string(val)
						}
						if !more {
							break
						}
					}
				}
				para.WriteString("[")
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style:
				if skipDepth > 0 {
					skipDepth--
				}
			case atom.A:
				if inLink {
					if linkHref != "" {
						para.WriteString("](" + linkHref + ")")
					} else {
						para.WriteString("]")
					}
					inLink = false
				}
			case atom.P, atom.Div, atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				flushPara()
			}

		case html.TextToken:
			if skipDepth == 0 {
				text := strings.NewReplacer("\r", " ", "\n", " ").Replace(string(z.Text()))
				para.WriteString(text)
			}
		}
	}
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// wrap greedily wraps s to the given column width on word boundaries,
// preserving existing newlines as hard paragraph breaks within the text.
func wrap(s string, col int) string {
	var out strings.Builder
	for _, line := range strings.Split(s, "\n") {
		words := strings.Fields(line)
		lineLen := 0
		for i, w := range words {
			if lineLen > 0 && lineLen+1+len(w) > col {
				out.WriteString("\n")
				lineLen = 0
			} else if i > 0 {
				out.WriteString(" ")
				lineLen++
			}
			out.WriteString(w)
			lineLen += len(w)
		}
		out.WriteString("\n")
	}
	return strings.TrimRight(out.String(), "\n")
}
