package api

import (
	"errors"
	"strings"
)

// maxDiffCells bounds the LCS table built for the lines that differ after
// the common prefix and suffix are stripped.
const maxDiffCells = 4_000_000

var errDiffTooLarge = errors.New("versions too large to diff")

// DiffLine is a single line in a diff.
type DiffLine struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// computeDiff performs a line-by-line diff using LCS.
func computeDiff(oldContent, newContent string) ([]DiffLine, error) {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	oldMid := oldLines[prefix : len(oldLines)-suffix]
	newMid := newLines[prefix : len(newLines)-suffix]
	if (len(oldMid)+1)*(len(newMid)+1) > maxDiffCells {
		return nil, errDiffTooLarge
	}

	result := make([]DiffLine, 0, len(oldLines)+len(newLines)-prefix-suffix)
	for i := 0; i < prefix; i++ {
		result = append(result, DiffLine{Type: "unchanged", Content: oldLines[i], OldLine: i + 1, NewLine: i + 1})
	}
	for _, line := range backtrackDiff(oldMid, newMid, lcsMatrix(oldMid, newMid)) {
		if line.OldLine > 0 {
			line.OldLine += prefix
		}
		if line.NewLine > 0 {
			line.NewLine += prefix
		}
		result = append(result, line)
	}
	for k := suffix; k > 0; k-- {
		i, j := len(oldLines)-k, len(newLines)-k
		result = append(result, DiffLine{Type: "unchanged", Content: oldLines[i], OldLine: i + 1, NewLine: j + 1})
	}
	return result, nil
}

func lcsMatrix(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}
	return dp
}

// backtrackDiff walks the LCS table from the end and emits lines in order.
func backtrackDiff(oldLines, newLines []string, lcs [][]int) []DiffLine {
	i, j := len(oldLines), len(newLines)

	var reversed []DiffLine
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && oldLines[i-1] == newLines[j-1]:
			reversed = append(reversed, DiffLine{Type: "unchanged", Content: oldLines[i-1], OldLine: i, NewLine: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			reversed = append(reversed, DiffLine{Type: "added", Content: newLines[j-1], NewLine: j})
			j--
		default:
			reversed = append(reversed, DiffLine{Type: "removed", Content: oldLines[i-1], OldLine: i})
			i--
		}
	}

	result := make([]DiffLine, len(reversed))
	for k, line := range reversed {
		result[len(reversed)-1-k] = line
	}
	return result
}
