// Package persistence writes measurement results to disk as gzip JSON
// archival files, named and laid out by date so they can be picked up by
// archival pipelines.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes a written data file.
type DataFile struct {
	// Prefix is the data directory the file was written under.
	Prefix string
	// Datatype is the datatype directory component.
	Datatype string
	// Subtest optionally qualifies the datatype in the filename.
	Subtest string
	// UUID identifies the measurement the file belongs to.
	UUID string
	// Path is the complete path of the written file.
	Path string
	// Size is the number of JSON bytes written, before compression.
	Size int
}

// WriteDataFile marshals result to JSON and writes it, gzip-compressed, to
// <prefix>/<datatype>/<yyyy>/<mm>/<dd>/<datatype>-<subtest>-<timestamp>.<uuid>.json.gz.
func WriteDataFile(prefix, datatype, subtest, uuid string, result any) (*DataFile, error) {
	timestamp := time.Now()
	dir := path.Join(prefix, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json.gz")
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		fp.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   prefix,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     len(data),
	}, nil
}
