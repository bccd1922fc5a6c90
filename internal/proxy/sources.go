package proxy

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLSource reads a structured list of proxy URLs from a YAML file of the
// form `proxies: [url, ...]`. A missing file yields an empty list.
type YAMLSource struct {
	Path string
}

type yamlProxyFile struct {
	Proxies []string `yaml:"proxies"`
}

// Name identifies the source in logs.
func (s YAMLSource) Name() string {
	return fmt.Sprintf("yaml:%s", s.Path)
}

// Load parses the YAML file and returns normalized endpoint URLs.
func (s YAMLSource) Load() ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	var file yamlProxyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	out := make([]string, 0, len(file.Proxies))
	for _, raw := range file.Proxies {
		if endpoint, ok := Normalize(raw); ok {
			out = append(out, endpoint)
		}
	}
	return out, nil
}

// CSVSource reads a tabular list of (ip, port, protocols) triples. Protocol
// values starting with socks5/socks4 map to SOCKS schemes; anything else is
// treated as a plain http proxy. A missing file yields an empty list.
type CSVSource struct {
	Path string
}

// Name identifies the source in logs.
func (s CSVSource) Name() string {
	return fmt.Sprintf("csv:%s", s.Path)
}

// Load parses the CSV file and returns normalized endpoint URLs.
func (s CSVSource) Load() ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s header: %w", s.Path, err)
	}
	cols := columnIndex(header)
	ipIdx, portIdx, protoIdx := cols.lookup("ip"), cols.lookup("port"), cols.lookup("protocols")
	if ipIdx < 0 || portIdx < 0 {
		return nil, fmt.Errorf("%s: missing ip/port columns", s.Path)
	}

	var out []string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s row: %w", s.Path, err)
		}
		ip := field(row, ipIdx)
		port := field(row, portIdx)
		if ip == "" || port == "" {
			continue
		}
		scheme := schemeForProtocol(field(row, protoIdx))
		out = append(out, fmt.Sprintf("%s://%s:%s", scheme, ip, port))
	}
	return out, nil
}

type columns map[string]int

func columnIndex(header []string) columns {
	idx := make(columns, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return idx
}

func (c columns) lookup(name string) int {
	if i, ok := c[name]; ok {
		return i
	}
	return -1
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func schemeForProtocol(proto string) string {
	proto = strings.ToLower(proto)
	switch {
	case strings.HasPrefix(proto, "socks5"):
		return "socks5"
	case strings.HasPrefix(proto, "socks4"):
		return "socks4"
	default:
		return "http"
	}
}
