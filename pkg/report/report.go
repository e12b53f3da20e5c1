package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"gopkg.in/yaml.v3"

	"wechatDataDecrypt/pkg/wechat"
)

const baseName = "decrypt-report"

// Manifest describes one decrypt run.
type Manifest struct {
	Source   string    `yaml:"source"`
	Output   string    `yaml:"output"`
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished"`
	Failed   int       `yaml:"failed"`
	Files    []Entry   `yaml:"files"`
}

// Entry is the manifest line for a single database file.
type Entry struct {
	Path            string `yaml:"path"`
	Status          string `yaml:"status"`
	Bytes           int64  `yaml:"bytes"`
	Pages           int    `yaml:"pages,omitempty"`
	WALByteOrder    string `yaml:"wal_byte_order,omitempty"`
	WALFrames       int    `yaml:"wal_frames,omitempty"`
	WALRewritten    int    `yaml:"wal_rewritten,omitempty"`
	WALKept         int    `yaml:"wal_kept,omitempty"`
	WALHMACFailures int    `yaml:"wal_hmac_failures,omitempty"`
	SHMCopied       bool   `yaml:"shm_copied,omitempty"`
	Duration        string `yaml:"duration"`
	Error           string `yaml:"error,omitempty"`
}

// New builds a manifest from decrypt results.
func New(source, output string, started, finished time.Time, results []wechat.FileResult) *Manifest {
	m := &Manifest{
		Source:   source,
		Output:   output,
		Started:  started.UTC(),
		Finished: finished.UTC(),
		Files:    make([]Entry, 0, len(results)),
	}
	for _, res := range results {
		e := Entry{
			Path:      filepath.ToSlash(res.Path),
			Status:    string(res.Status),
			Bytes:     res.Bytes,
			Pages:     res.Pages,
			SHMCopied: res.SHMCopied,
			Duration:  res.Duration.Round(time.Millisecond).String(),
		}
		if res.WAL != nil {
			e.WALByteOrder = res.WAL.ByteOrder.String()
			e.WALFrames = res.WAL.Frames
			e.WALRewritten = res.WAL.Rewritten
			e.WALKept = res.WAL.Kept
			e.WALHMACFailures = res.WAL.HMACFailures
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
			m.Failed++
		}
		m.Files = append(m.Files, e)
	}
	return m
}

// Path returns the manifest location inside the output root for format.
func Path(output, format string) string {
	return filepath.Join(output, baseName+"."+format)
}

// Write stores m under output in the given format (yaml or xml) and returns
// the file written.
func Write(output, format string, m *Manifest) (string, error) {
	path := Path(output, format)
	var err error
	switch format {
	case "yaml":
		err = WriteYAML(path, m)
	case "xml":
		err = WriteXML(path, m)
	default:
		return "", fmt.Errorf("unsupported report format %q", format)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// WriteYAML writes m as a YAML document.
func WriteYAML(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WriteXML writes m as an XML document.
func WriteXML(path string, m *Manifest) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("report")
	root.CreateElement("source").SetText(m.Source)
	root.CreateElement("output").SetText(m.Output)
	root.CreateElement("started").SetText(m.Started.Format(time.RFC3339))
	root.CreateElement("finished").SetText(m.Finished.Format(time.RFC3339))
	root.CreateElement("failed").SetText(strconv.Itoa(m.Failed))

	files := root.CreateElement("files")
	for _, e := range m.Files {
		file := files.CreateElement("file")
		file.CreateAttr("path", e.Path)
		file.CreateAttr("status", e.Status)
		file.CreateAttr("bytes", strconv.FormatInt(e.Bytes, 10))
		file.CreateAttr("duration", e.Duration)
		if e.Pages > 0 {
			file.CreateAttr("pages", strconv.Itoa(e.Pages))
		}
		if e.WALFrames > 0 || e.WALByteOrder != "" {
			wal := file.CreateElement("wal")
			wal.CreateAttr("byteOrder", e.WALByteOrder)
			wal.CreateAttr("frames", strconv.Itoa(e.WALFrames))
			wal.CreateAttr("rewritten", strconv.Itoa(e.WALRewritten))
			wal.CreateAttr("kept", strconv.Itoa(e.WALKept))
			wal.CreateAttr("hmacFailures", strconv.Itoa(e.WALHMACFailures))
		}
		if e.SHMCopied {
			file.CreateAttr("shm", "true")
		}
		if e.Error != "" {
			file.CreateElement("error").SetText(e.Error)
		}
	}

	doc.Indent(2)
	if err := doc.WriteToFile(path); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
