package board

import "strings"

// Sticky note layout constants. The box grows to fit word-wrapped content
// instead of clipping or scrolling it.
const (
	stickyMinWidth  = 160.0
	stickyMaxWidth  = 320.0
	stickyPadding   = 12.0
	stickyMinLines  = 3
	charWidthRatio  = 0.6
	lineHeightRatio = 1.4
)

// WrapText splits content into lines that fit maxWidth at the given font
// size. Words longer than a line are broken mid-word.
func WrapText(content string, fontSize, maxWidth float64) []string {
	charW := fontSize * charWidthRatio
	perLine := int(maxWidth / charW)
	if perLine < 1 {
		perLine = 1
	}

	var lines []string
	for _, para := range strings.Split(content, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := ""
		for _, word := range words {
			for len(word) > perLine {
				if line != "" {
					lines = append(lines, line)
					line = ""
				}
				lines = append(lines, word[:perLine])
				word = word[perLine:]
			}
			switch {
			case line == "":
				line = word
			case len(line)+1+len(word) <= perLine:
				line += " " + word
			default:
				lines = append(lines, line)
				line = word
			}
		}
		lines = append(lines, line)
	}
	return lines
}

// StickyExtent computes the box size for sticky content at a font size.
func StickyExtent(content string, fontSize float64) (width, height float64) {
	innerMax := stickyMaxWidth - 2*stickyPadding
	lines := WrapText(content, fontSize, innerMax)

	charW := fontSize * charWidthRatio
	longest := 0
	for _, line := range lines {
		if len(line) > longest {
			longest = len(line)
		}
	}

	width = float64(longest)*charW + 2*stickyPadding
	if width < stickyMinWidth {
		width = stickyMinWidth
	}
	if width > stickyMaxWidth {
		width = stickyMaxWidth
	}

	n := len(lines)
	if n < stickyMinLines {
		n = stickyMinLines
	}
	height = float64(n)*fontSize*lineHeightRatio + 2*stickyPadding
	return width, height
}

// Autosize recomputes the note's box from its current content.
func (s *Sticky) Autosize() {
	s.Width, s.Height = StickyExtent(s.Content, s.FontSize)
}
