package trace

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReplayPages parses a VCD trace written by Dumper and returns the sequence
// of page numbers whose wire transitioned high (1), in the order recorded.
// This drives the attack driver's trace-replay mode, which re-runs the
// reconstruction state machine against a previously recorded waveform
// instead of a live enclave. Grounded on the same reasoning as the writer
// above: no VCD library was found anywhere in the retrieved example pack,
// so the format is parsed directly against the wire names the writer
// itself emits (`_<page>` for a single-wire RSet).
func ReplayPages(r io.Reader) ([]int, error) {
	scanner := bufio.NewScanner(r)
	ids := make(map[string]int)
	var pages []int
	inDefs := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if inDefs {
			if strings.HasPrefix(line, "$var") {
				if id, page, ok := parseVarLine(line); ok {
					ids[id] = page
				}
				continue
			}
			if strings.HasPrefix(line, "$enddefinitions") {
				inDefs = false
			}
			continue
		}

		if line[0] != '1' {
			continue // 0-transitions, vector changes (erip) and $-commands don't trigger a fault
		}
		if page, ok := ids[line[1:]]; ok {
			pages = append(pages, page)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "trace: read vcd")
	}
	return pages, nil
}

// parseVarLine extracts the wire id and page number from a line of the form
// "$var wire 1 <id> _<page> $end", as written by statefulSet.addWires with
// an empty suffix. Wires for non-page signals (the erip vector, or a page
// wire carrying an "_r"/"_w"/"_x" suffix from an RWXSet-layout trace) are
// rejected rather than guessed at.
func parseVarLine(line string) (id string, page int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[1] != "wire" || fields[2] != "1" {
		return "", 0, false
	}
	name := strings.TrimPrefix(fields[4], "_")
	n, err := strconv.Atoi(name)
	if err != nil {
		return "", 0, false
	}
	return fields[3], n, true
}
