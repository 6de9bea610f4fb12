// Command templatecheck fingerprints every packaged flow template. Template
// edits that change graph semantics show up as a changed fingerprint, which
// makes accidental drift visible in review before it reaches users.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"teachcharlie/internal/flowgraph"
	"teachcharlie/internal/secrets"

	"gopkg.in/yaml.v3"
)

type templateReport struct {
	Name        string `yaml:"name"`
	Fingerprint string `yaml:"fingerprint"`
	Nodes       int    `yaml:"nodes"`
	Edges       int    `yaml:"edges"`
}

func main() {
	log.SetFlags(0)
	expect := flag.String("expect", "", "path to a previous report; exit non-zero on any fingerprint change")
	flag.Parse()

	names := flowgraph.ListTemplates()
	if len(names) == 0 {
		log.Fatal("templatecheck: no packaged templates found")
	}

	reports := make([]templateReport, 0, len(names))
	for _, name := range names {
		flow, err := flowgraph.LoadTemplate(name)
		if err != nil {
			log.Fatalf("templatecheck: load %s: %v", name, err)
		}
		canonical, err := secrets.CanonicalJSON(map[string]any(flow))
		if err != nil {
			log.Fatalf("templatecheck: canonicalize %s: %v", name, err)
		}
		sum := sha256.Sum256(canonical)
		nodes, edges := countGraph(flow)
		reports = append(reports, templateReport{
			Name:        name,
			Fingerprint: hex.EncodeToString(sum[:]),
			Nodes:       nodes,
			Edges:       edges,
		})
	}

	out, err := yaml.Marshal(map[string]any{"templates": reports})
	if err != nil {
		log.Fatalf("templatecheck: render report: %v", err)
	}

	if *expect != "" {
		if err := compare(*expect, reports); err != nil {
			os.Stdout.Write(out)
			log.Fatalf("templatecheck: %v", err)
		}
	}
	os.Stdout.Write(out)
}

func countGraph(flow map[string]any) (nodes, edges int) {
	data, _ := flow["data"].(map[string]any)
	if data == nil {
		return 0, 0
	}
	if ns, ok := data["nodes"].([]any); ok {
		nodes = len(ns)
	}
	if es, ok := data["edges"].([]any); ok {
		edges = len(es)
	}
	return nodes, edges
}

func compare(path string, current []templateReport) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var prev struct {
		Templates []templateReport `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &prev); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	known := make(map[string]string, len(prev.Templates))
	for _, t := range prev.Templates {
		known[t.Name] = t.Fingerprint
	}
	for _, t := range current {
		want, ok := known[t.Name]
		if !ok {
			continue // new template, nothing to drift from
		}
		if want != t.Fingerprint {
			return fmt.Errorf("template %s drifted (was %s, now %s)", t.Name, want[:12], t.Fingerprint[:12])
		}
	}
	return nil
}
