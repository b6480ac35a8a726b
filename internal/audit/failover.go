package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const spoolFile = "control_audit.spool"

// maxSpoolSize bounds the spool so a long database outage cannot eat the
// disk. Entries past the bound are dropped.
const maxSpoolSize = 64 << 20

// spool appends one entry to the local JSONL spool file.
func (s *Service) spool(e Entry) error {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()

	path := filepath.Join(s.spoolDir, spoolFile)
	if info, err := os.Stat(path); err == nil && info.Size() >= maxSpoolSize {
		return fmt.Errorf("spool full (%d bytes)", info.Size())
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// StartReplayer drains the spool every 30 seconds until ctx ends.
func (s *Service) StartReplayer(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

// ReplaySpool re-inserts spooled entries. Entries that still fail go back
// to the spool, so nothing is lost while the database stays down.
func (s *Service) ReplaySpool(ctx context.Context) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	path := filepath.Join(s.spoolDir, spoolFile)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return
	}

	replayPath := filepath.Join(s.spoolDir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	s.spoolMu.Lock()
	err = os.Rename(path, replayPath)
	s.spoolMu.Unlock()
	if err != nil {
		log.Printf("[audit] rotate spool: %v", err)
		return
	}

	f, err := os.Open(replayPath)
	if err != nil {
		return
	}
	defer f.Close()
	defer os.Remove(replayPath)

	scanner := bufio.NewScanner(f)
	flushed := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if err := s.insert(ctx, e); err != nil {
			if err := s.spool(e); err != nil {
				log.Printf("[audit] re-spool %s: %v, entry dropped", e.ID, err)
			}
			continue
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("[audit] replay: %d entries flushed", flushed)
	}
}
