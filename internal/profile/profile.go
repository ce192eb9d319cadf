package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

// Profile is one resolved client block.
type Profile struct {
	Name               string
	Endpoint           string
	Namespace          string
	Token              string
	KernelName         string
	Debounce           time.Duration
	InsecureSkipVerify bool
	Overrides          map[string]string
}

type overridesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type clientBlock struct {
	Name               string          `hcl:"name,label"`
	Endpoint           string          `hcl:"endpoint,optional"`
	Namespace          string          `hcl:"namespace,optional"`
	Token              string          `hcl:"token,optional"`
	KernelName         string          `hcl:"kernel_name,optional"`
	DebounceMs         int             `hcl:"debounce_ms,optional"`
	InsecureSkipVerify bool            `hcl:"insecure_skip_verify,optional"`
	Overrides          *overridesBlock `hcl:"overrides,block"`
}

type profileFile struct {
	Clients []*clientBlock `hcl:"client,block"`
}

// Load parses the profile file at path and resolves the client block named
// name. An empty name selects the file's first client block.
func Load(ctx context.Context, path, name string) (*Profile, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Decoding profile file.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", path, diags.Error())
	}
	return resolve(file.Body, path, name)
}

// Parse decodes profile source held in memory; filename only labels
// diagnostics.
func Parse(src []byte, filename, name string) (*Profile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL source %s: %s", filename, diags.Error())
	}
	return resolve(file.Body, filename, name)
}

func resolve(body hcl.Body, path, name string) (*Profile, error) {
	var config profileFile
	diags := gohcl.DecodeBody(body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", path, diags.Error())
	}
	if len(config.Clients) == 0 {
		return nil, fmt.Errorf("%s: no client block found", path)
	}

	var chosen *clientBlock
	if name == "" {
		chosen = config.Clients[0]
	} else {
		for _, c := range config.Clients {
			if c.Name == name {
				chosen = c
				break
			}
		}
		if chosen == nil {
			return nil, fmt.Errorf("%s: no client block named %q", path, name)
		}
	}

	p := &Profile{
		Name:               chosen.Name,
		Endpoint:           chosen.Endpoint,
		Namespace:          chosen.Namespace,
		Token:              chosen.Token,
		KernelName:         chosen.KernelName,
		Debounce:           time.Duration(chosen.DebounceMs) * time.Millisecond,
		InsecureSkipVerify: chosen.InsecureSkipVerify,
	}
	if chosen.Overrides != nil {
		overrides, err := decodeOverrides(chosen.Overrides.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: client %q: %w", path, chosen.Name, err)
		}
		p.Overrides = overrides
	}
	return p, nil
}

// decodeOverrides flattens the overrides block into a string map. Values of
// any primitive type are accepted and converted, so `debounce = 2` and
// `exec_mode = "reactive"` both work.
func decodeOverrides(body hcl.Body) (map[string]string, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("overrides block: %s", diags.Error())
	}
	out := make(map[string]string, len(attrs))
	for attrName, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("override %s: %s", attrName, diags.Error())
		}
		converted, err := convert.Convert(val, cty.String)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", attrName, err)
		}
		out[attrName] = converted.AsString()
	}
	return out, nil
}
