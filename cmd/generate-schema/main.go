package main

import (
	"flag"
	"os"

	"github.com/m-lab/bloat/internal/origin"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"

	"cloud.google.com/go/bigquery"
)

var (
	sessionSchema string
	originSchema  string
)

func init() {
	flag.StringVar(&sessionSchema, "bloat1", "/var/spool/datatypes/bloat1.json", "filename to write bloat1 session schema")
	flag.StringVar(&originSchema, "bloat1-origin", "/var/spool/datatypes/bloat1-origin.json", "filename to write bloat1 origin schema")
}

func main() {
	flag.Parse()
	// Generate and save schemas for autoloading.
	// bloat1 session schema.
	sessionResult := model.SessionResult{}
	sch, err := bigquery.InferSchema(sessionResult)
	rtx.Must(err, "failed to generate bloat1 schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal bloat1 schema")
	err = os.WriteFile(sessionSchema, b, 0o644)
	rtx.Must(err, "failed to write bloat1 schema")
	// bloat1 origin schema.
	originArchive := origin.ArchivalData{}
	sch, err = bigquery.InferSchema(originArchive)
	rtx.Must(err, "failed to generate bloat1-origin schema")
	sch = bqx.RemoveRequired(sch)
	b, err = sch.ToJSONFields()
	rtx.Must(err, "failed to marshal bloat1-origin schema")
	err = os.WriteFile(originSchema, b, 0o644)
	rtx.Must(err, "failed to write bloat1-origin schema")
}
