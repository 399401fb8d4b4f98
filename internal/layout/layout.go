// Package layout breaks narrative text into lines and places them into
// fixed-size frames. Placement depends only on the text, the frame geometry
// and the measure function, so identical input always yields identical lines.
package layout

import (
	"regexp"
	"strings"
)

// tolerance absorbs float rounding when a line exactly fills the width.
const tolerance = 1e-9

var blankLines = regexp.MustCompile(`\n[ \t]*\n[ \t\n]*`)

// MeasureFunc returns the rendered width of s in the current font.
type MeasureFunc func(s string) float64

// Frame is a rectangular text region. Height <= 0 means unbounded.
type Frame struct {
	X, Y          float64
	Width, Height float64
	LineHeight    float64
	ParagraphGap  float64 // Extra space between paragraphs, on top of LineHeight
}

// Line is one placed line of text.
type Line struct {
	Frame     int // 0 for the first frame, n for the n-th continuation frame
	Paragraph int
	X, Y      float64 // Top-left corner of the line box
	Width     float64
	Text      string
}

// Result is the placement of a text.
type Result struct {
	Lines  []Line
	Frames int // Number of frames used, including the first
}

// Paragraphs splits text on runs of blank lines and collapses every other
// run of whitespace inside a paragraph into single word separators.
func Paragraphs(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out [][]string
	for _, block := range blankLines.Split(text, -1) {
		if words := strings.Fields(block); len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// Wrap packs words greedily into lines no wider than maxWidth. Words are never
// split or dropped; a single word wider than maxWidth gets a line of its own.
func Wrap(words []string, maxWidth float64, measure MeasureFunc) []string {
	var lines []string
	for start := 0; start < len(words); {
		line, end := nextLine(words, start, maxWidth, measure)
		lines = append(lines, line)
		start = end
	}
	return lines
}

// nextLine takes as many words from words[start:] as fit and returns the
// line and the index of the first word left over.
func nextLine(words []string, start int, maxWidth float64, measure MeasureFunc) (string, int) {
	line := words[start]
	end := start + 1
	for ; end < len(words); end++ {
		candidate := line + " " + words[end]
		if measure(candidate) > maxWidth+tolerance {
			break
		}
		line = candidate
	}
	return line, end
}

// Flow wraps text and places it into first, continuing into copies of next
// when a frame is full. The paragraph gap is added once between consecutive
// paragraphs; when a paragraph starts a new frame the frame break stands in
// for it. A zero next frame makes the first frame unbounded.
func Flow(text string, first, next Frame, measure MeasureFunc) Result {
	frameIdx := 0
	frame := first
	if next.Width <= 0 {
		frame.Height = 0
	}
	y := frame.Y
	linesInFrame := 0

	var res Result
	for p, words := range Paragraphs(text) {
		for start := 0; start < len(words); {
			if p > 0 && start == 0 && linesInFrame > 0 {
				y += frame.ParagraphGap
			}
			if frame.Height > 0 && linesInFrame > 0 && y+frame.LineHeight > frame.Y+frame.Height+tolerance {
				frameIdx++
				frame = next
				y = frame.Y
				linesInFrame = 0
			}

			line, end := nextLine(words, start, frame.Width, measure)
			res.Lines = append(res.Lines, Line{
				Frame:     frameIdx,
				Paragraph: p,
				X:         frame.X,
				Y:         y,
				Width:     measure(line),
				Text:      line,
			})
			y += frame.LineHeight
			linesInFrame++
			start = end
		}
	}

	if len(res.Lines) > 0 {
		res.Frames = frameIdx + 1
	}
	return res
}
