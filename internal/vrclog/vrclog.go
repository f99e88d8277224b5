// Package vrclog finds the VRChat world a screenshot was taken in by reading
// the client's output logs.
package vrclog

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	logNameLayout = "2006-01-02_15-04-05"
	lineLayout    = "2006.01.02 15:04:05"
)

var (
	logFileRe      = regexp.MustCompile(`^output_log_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\.txt$`)
	enteringRoomRe = regexp.MustCompile(`^(\d{4}\.\d{2}\.\d{2} \d{2}:\d{2}:\d{2}) Debug\s+-\s+\[Behaviour\] Entering Room: (.+)$`)
)

// LogFile is one output log and the time its session started.
type LogFile struct {
	Path    string
	Started time.Time
}

// Parser reads output_log_*.txt files from one directory.
type Parser struct {
	dir string
}

// NewParser creates a Parser for dir.
func NewParser(dir string) *Parser {
	return &Parser{dir: dir}
}

// Dir returns the log directory.
func (p *Parser) Dir() string { return p.dir }

// LogFiles lists the output logs in the directory, newest session first.
func (p *Parser) LogFiles() ([]LogFile, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("vrclog: read %s: %w", p.dir, err)
	}
	var files []LogFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := logFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		started, err := time.ParseInLocation(logNameLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		files = append(files, LogFile{Path: filepath.Join(p.dir, e.Name()), Started: started})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Started.After(files[j].Started) })
	return files, nil
}

// logFor returns the newest log that started at or before t.
func (p *Parser) logFor(t time.Time) (LogFile, bool, error) {
	files, err := p.LogFiles()
	if err != nil {
		return LogFile{}, false, err
	}
	for _, f := range files {
		if !f.Started.After(t) {
			return f, true, nil
		}
	}
	return LogFile{}, false, nil
}

// WorldAt returns the name of the last world entered at or before t. It
// returns "" when no log covers t or no world was entered yet.
func (p *Parser) WorldAt(t time.Time) (string, error) {
	lf, ok, err := p.logFor(t)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	f, err := os.Open(lf.Path)
	if err != nil {
		return "", fmt.Errorf("vrclog: open %s: %w", lf.Path, err)
	}
	defer f.Close()

	var world string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		m := enteringRoomRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		at, err := time.ParseInLocation(lineLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		// Logs are chronological.
		if at.After(t) {
			break
		}
		world = strings.TrimSpace(m[2])
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("vrclog: scan %s: %w", lf.Path, err)
	}
	return world, nil
}

// Lookup is WorldAt that logs errors instead of returning them.
func (p *Parser) Lookup(t time.Time) string {
	world, err := p.WorldAt(t)
	if err != nil {
		log.Printf("vrclog: %v", err)
		return ""
	}
	return world
}
