package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/civiccaption/flexcore/clients"
)

const sccHeader = "Scenarist_SCC V1.0"

const sccFrameRate = 30.0

// sccControlRCL/ENM/EDM/EOC/PAC are the CEA-608 pop-on captioning control
// codes this encoder uses: Resume Caption Loading, Erase Non-displayed
// Memory, Erase Displayed Memory, End Of Caption (swap memories), and the
// Preamble Address Code (row 13, no indent) used for every cue. Real CEA-608
// encoders vary PAC by row/indent; pop-on captions for a single-speaker
// municipal feed don't need more than a fixed row here.
const (
	sccControlRCL = "1420"
	sccControlENM = "142e"
	sccControlEDM = "142c"
	sccControlEOC = "142f"
	sccControlPAC = "1370" // row 13, white, no indent
)

// EncodeSCC renders segments as a pop-on Scenarist SCC file: each caption
// is erased, loaded, displayed at its start time, and the decoder-side
// clear happens implicitly when the next cue's ENM/EDM pair runs. This is
// a simplified pop-on encoder, not a full CEA-608 authoring stack; it
// covers what the core needs, round-trippable legible captions keyed to
// start time.
func EncodeSCC(segments []clients.Segment) (string, error) {
	var b strings.Builder
	b.WriteString(sccHeader)
	b.WriteString("\n\n")

	for _, seg := range segments {
		codes := []string{sccControlENM, sccControlENM, sccControlRCL, sccControlRCL, sccControlPAC, sccControlPAC}
		codes = append(codes, encodeText(seg.Text)...)
		codes = append(codes, sccControlEDM, sccControlEDM, sccControlEOC, sccControlEOC)

		b.WriteString(formatTimecode(seg.StartSeconds))
		b.WriteByte('\t')
		b.WriteString(strings.Join(codes, " "))
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// encodeText packs text into 2-byte odd-parity CEA-608 standard character
// codes, two characters per hex word, padding an odd final character with
// a null byte the decoder treats as no-op.
func encodeText(text string) []string {
	runes := []rune(text)
	var words []string
	for i := 0; i < len(runes); i += 2 {
		a := byte(toCEA608(runes[i]))
		var c byte
		if i+1 < len(runes) {
			c = byte(toCEA608(runes[i+1]))
		}
		words = append(words, fmt.Sprintf("%02x%02x", oddParity(a), oddParity(c)))
	}
	return words
}

// toCEA608 maps a rune to its CEA-608 standard character code. Printable
// ASCII maps directly onto its own code point; anything outside that range
// (curly quotes, accented characters the ASR may emit) falls back to a
// space rather than emitting an undefined code.
func toCEA608(r rune) rune {
	if r >= 0x20 && r <= 0x7e {
		return r
	}
	return ' '
}

func oddParity(b byte) byte {
	parity := byte(0)
	for v := b & 0x7f; v != 0; v &= v - 1 {
		parity ^= 1
	}
	if parity == 0 {
		return (b & 0x7f) | 0x80
	}
	return b & 0x7f
}

func formatTimecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalFrames := int64(seconds * sccFrameRate)
	frames := totalFrames % int64(sccFrameRate)
	totalSeconds := totalFrames / int64(sccFrameRate)
	d := time.Duration(totalSeconds) * time.Second
	hh := int(d / time.Hour)
	mm := int((d % time.Hour) / time.Minute)
	ss := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hh, mm, ss, frames)
}

// ParseSCC checks an existing SCC file's well-formedness for the
// caption-check job: it requires a recognized header and well-formed cue
// lines, and reports the number of timed cues (zero is not an error) and
// whether their timecodes are non-decreasing. It does not decode the CEA-608
// payload back to text; the caption-check contract only needs presence,
// non-zero size and timestamp monotonicity.
func ParseSCC(data []byte) (cueCount int, monotonic bool, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var sawHeader bool
	var lastFrames int64 = -1
	monotonic = true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if !strings.HasPrefix(line, "Scenarist_SCC") {
				return 0, false, fmt.Errorf("missing Scenarist_SCC header")
			}
			sawHeader = true
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return cueCount, monotonic, fmt.Errorf("malformed cue line %q: expected timecode and codes", line)
		}
		frames, err := parseTimecodeFrames(fields[0])
		if err != nil {
			return cueCount, monotonic, fmt.Errorf("malformed timecode %q: %w", fields[0], err)
		}
		cueCount++
		if lastFrames >= 0 && frames < lastFrames {
			monotonic = false
		}
		lastFrames = frames
	}
	if err := scanner.Err(); err != nil {
		return cueCount, monotonic, err
	}
	if !sawHeader {
		return 0, false, fmt.Errorf("empty file, no header")
	}
	return cueCount, monotonic, nil
}

func parseTimecodeFrames(tc string) (int64, error) {
	parts := strings.Split(tc, ":")
	if len(parts) != 4 {
		return 0, fmt.Errorf("expected HH:MM:SS:FF")
	}
	var nums [4]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, err
		}
		nums[i] = n
	}
	return ((nums[0]*60+nums[1])*60+nums[2])*int64(sccFrameRate) + nums[3], nil
}
