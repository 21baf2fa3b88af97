package gopher

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// ParseMenu reads menu lines from body. Parsing stops at the terminator.
// Lines with fewer than four fields or a bad port are skipped; info lines
// are kept with whatever fields they carry.
func ParseMenu(body []byte) []Item {
	var items []Item
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 4096), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "." {
			break
		}
		if line == "" {
			continue
		}
		fields := strings.Split(line[1:], "\t")
		it := Item{Type: line[0], Text: fields[0]}
		if len(fields) < 4 {
			if it.Type == TypeInfo {
				items = append(items, it)
			}
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil || port <= 0 || port > 65535 {
			if it.Type == TypeInfo {
				items = append(items, it)
			}
			continue
		}
		it.Selector = fields[1]
		it.Host = fields[2]
		it.Port = port
		items = append(items, it)
	}
	return items
}
