package googleauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
)

func serviceAccount(ctx context.Context, source string, data []byte) (*Credential, error) {
	jc, err := google.JWTConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account json: %w", err)
	}
	// Token fetches outlive the startup context.
	return &Credential{
		Source:      source,
		Subject:     jc.Email,
		TokenSource: jc.TokenSource(context.WithoutCancel(ctx)),
	}, nil
}

// Base64EnvProvider loads a base64-encoded service account key from an environment variable.
type Base64EnvProvider struct {
	Env   string
	Value string
}

func (p *Base64EnvProvider) Name() string { return p.Env }

func (p *Base64EnvProvider) Load(ctx context.Context) (*Credential, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return nil, ErrSourceAbsent
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		var uerr error
		if data, uerr = base64.URLEncoding.DecodeString(v); uerr != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
	}
	return serviceAccount(ctx, p.Name(), data)
}

// JSONEnvProvider loads raw service account JSON from an environment variable.
// It tolerates values that were quoted or escaped once more by a shell.
type JSONEnvProvider struct {
	Env   string
	Value string
}

func (p *JSONEnvProvider) Name() string { return p.Env }

func (p *JSONEnvProvider) Load(ctx context.Context) (*Credential, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return nil, ErrSourceAbsent
	}
	return serviceAccount(ctx, p.Name(), normalizeJSON(v))
}

// normalizeJSON strips one layer of surrounding quotes, unescapes \" and \n,
// then re-escapes control characters left inside string literals.
func normalizeJSON(v string) []byte {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		v = v[1 : len(v)-1]
	}
	v = strings.ReplaceAll(v, `\"`, `"`)
	v = strings.ReplaceAll(v, `\n`, "\n")
	return escapeStringControls([]byte(v))
}

func escapeStringControls(in []byte) []byte {
	var (
		out      bytes.Buffer
		inString bool
		escaped  bool
	)
	out.Grow(len(in))
	for _, c := range in {
		switch {
		case escaped:
			escaped = false
			if c == '\n' {
				// "\\n" collapsed into backslash + newline.
				out.WriteByte('n')
				continue
			}
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString && c == '\n':
			out.WriteString(`\n`)
			continue
		case inString && c == '\r':
			out.WriteString(`\r`)
			continue
		case inString && c == '\t':
			out.WriteString(`\t`)
			continue
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}

// FileProvider loads a service account key file.
type FileProvider struct {
	Path string
}

func (p *FileProvider) Name() string { return "file:" + p.Path }

func (p *FileProvider) Load(ctx context.Context) (*Credential, error) {
	if p.Path == "" {
		return nil, ErrSourceAbsent
	}
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSourceAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return serviceAccount(ctx, p.Name(), data)
}
