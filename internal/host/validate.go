package host

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ch1109/maestro/internal/hosterr"
)

// schemaCache compiles tool input schemas once and reuses the compiled form
// across calls. Servers re-announce unchanged schemas on every capability
// refresh, so keying by schema text keeps the cache warm across restarts.
type schemaCache struct {
	logger *slog.Logger
	cache  sync.Map // schema text → *jsonschema.Schema
}

func newSchemaCache(logger *slog.Logger) *schemaCache {
	return &schemaCache{logger: logger}
}

// validate checks tool arguments against the tool's input schema before
// anything is sent to the server. Tools without a schema accept anything; a
// schema that does not compile is logged and skipped rather than making the
// tool uncallable.
func (c *schemaCache) validate(publicName string, schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := c.compile(publicName, schema)
	if err != nil {
		c.logger.Warn("tool schema does not compile, skipping argument validation",
			"tool", publicName, "error", err)
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return hosterr.Wrap(hosterr.KindValidation, "encode tool arguments", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return hosterr.Wrap(hosterr.KindValidation, "decode tool arguments", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return hosterr.Wrap(hosterr.KindValidation,
			fmt.Sprintf("arguments for %s rejected by the tool schema", publicName), err)
	}
	return nil
}

func (c *schemaCache) compile(publicName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := c.cache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(publicName+".schema.json", key)
	if err != nil {
		return nil, err
	}
	c.cache.Store(key, compiled)
	return compiled, nil
}
