package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// loadKDL applies overrides from <root>/.moss.kdl, if present:
//
//	network {
//	    max_concurrency 8
//	}
//	io {
//	    read_chunk_threshold 4194304
//	    read_buffer_size 262144
//	}
func loadKDL(cfg *Config, root string) error {
	path := filepath.Join(root, ".moss.kdl")

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	doc, err := kdl.Parse(strings.NewReader(string(content)))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "network":
			for _, cn := range n.Children {
				if nodeName(cn) == "max_concurrency" {
					if v, ok := firstIntArg(cn); ok && v > 0 {
						cfg.MaxNetworkConcurrency = v
					}
				}
			}
		case "io":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "read_chunk_threshold":
					if v, ok := firstIntArg(cn); ok && v > 0 {
						cfg.FileReadChunkThreshold = int64(v)
					}
				case "read_buffer_size":
					if v, ok := firstIntArg(cn); ok && v > 0 {
						cfg.FileReadBufferSize = v
					}
				}
			}
		}
	}
	return nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
