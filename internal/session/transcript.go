package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// transcriptLine mirrors the usage block of one agent transcript record.
// Unknown fields are ignored.
type transcriptLine struct {
	Message struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// refreshContextFromTranscript reads the agent's transcript for the current
// conversation and returns the context usage of the latest turn. Best
// effort: any failure yields zeros and the caller keeps its previous
// figures.
func (s *Session) refreshContextFromTranscript() (used, max int64) {
	s.mu.Lock()
	sessionID := s.providerSessionID
	workdir := s.workingDir
	s.mu.Unlock()

	root := s.deps.Provider.TranscriptDir
	if root == "" || sessionID == "" {
		return 0, 0
	}

	f, err := os.Open(transcriptPath(root, workdir, sessionID))
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		u := line.Message.Usage
		if total := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens; total > 0 {
			used = total
		}
	}
	return used, 0
}

// transcriptPath mirrors the agent's on-disk layout: one directory per
// working directory with separators and dots flattened to dashes, one JSONL
// file per session.
func transcriptPath(root, workdir, sessionID string) string {
	flat := strings.NewReplacer("/", "-", "\\", "-", ".", "-", "_", "-").Replace(workdir)
	return filepath.Join(root, flat, sessionID+".jsonl")
}
