// Package archive writes measurement results to disk as gzip-compressed
// JSON, one file per run, under date-based directories.
package archive

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// Write saves result under dir as
// <dir>/<yyyy>/<mm>/<dd>/cfprobe-<timestamp>.<runID>.json.gz and returns the
// written path.
func Write(dir, runID string, result interface{}) (string, error) {
	timestamp := time.Now().UTC()
	outDir := path.Join(dir, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	filepath := path.Join(outDir, "cfprobe-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+runID+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return "", err
	}
	if err := json.NewEncoder(writer).Encode(result); err != nil {
		writer.Close()
		fp.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		fp.Close()
		return "", err
	}
	return filepath, fp.Close()
}
