package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"dbchanges/internal/config"
	"dbchanges/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer transforms change events based on configuration rules
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // Compiled script, nil without one
	natsConn *nats.Conn    // NATS connection for JavaScript bindings
}

// RuleMatcher matches and applies transformation rules
type RuleMatcher struct {
	source    string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	// Load JavaScript script if specified
	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		program, err := goja.Compile(cfg.Script, string(scriptContent), false)
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		if _, err := resolveTransform(goja.New(), program); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	// Load YAML-based rules if specified
	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			source:    rule.Source,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// resolveTransform runs the program and returns the function it exports:
// either the value of the script itself, e.g. (function(event) { ... }),
// or a global named transform.
func resolveTransform(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	if fn, ok := goja.AssertFunction(vm.Get("transform")); ok {
		return fn, nil
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies transformation rules to a change event
func (t *Transformer) Transform(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	// If processor is disabled, return event as-is
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}

	// Script takes precedence over YAML rules
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(event)
	}
	return event, nil
}

// transformWithJavaScript transforms an event using JavaScript script
func (t *Transformer) transformWithJavaScript(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	t.logger.Debugf("Transforming event with JavaScript: %s (type: %s)", event.Source, event.Type)

	// goja.Runtime is not thread-safe, so every event gets its own
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := resolveTransform(vm, t.program)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// Check if result is undefined or null - this means the event should be rejected/dropped
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	t.logger.Debugf("JavaScript transformation result: %s", string(resultJSON))

	var resultMap map[string]interface{}
	if err := json.Unmarshal(resultJSON, &resultMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	// Extract known fields for ChangeEvent struct
	transformed := &models.ChangeEvent{}
	if v, ok := resultMap["type"].(string); ok {
		transformed.Type = v
	}
	if v, ok := resultMap["data_type"].(string); ok {
		transformed.DataType = v
	}
	if v, ok := resultMap["source"].(string); ok {
		transformed.Source = v
	}
	if v, ok := resultMap["index"].(float64); ok {
		transformed.Index = int(v)
	}
	if v, ok := resultMap["primary_key"].(map[string]interface{}); ok {
		transformed.PrimaryKey = v
	}
	if v, ok := resultMap["before"].(map[string]interface{}); ok {
		transformed.Before = v
	}
	if v, ok := resultMap["after"].(map[string]interface{}); ok {
		transformed.After = v
	}
	if v, ok := resultMap["modified_columns"].([]interface{}); ok {
		transformed.ModifiedColumns = make([]string, 0, len(v))
		for _, col := range v {
			if s, ok := col.(string); ok {
				transformed.ModifiedColumns = append(transformed.ModifiedColumns, s)
			}
		}
	}
	if v, ok := resultMap["start_at"].(string); ok {
		transformed.StartAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := resultMap["end_at"].(string); ok {
		transformed.EndAt, _ = time.Parse(time.RFC3339Nano, v)
	}

	// Store the raw JSON to preserve extra fields added by JavaScript
	transformed.RawJSON = resultJSON

	return transformed, nil
}

// transformWithRules reshapes the row images with the first matching rule
func (t *Transformer) transformWithRules(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(event.Source) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil {
		return event, nil
	}

	transformed := *event
	transformed.RawJSON = nil
	transformed.Before = t.transformRow(event.Before, matchedRule)
	transformed.After = t.transformRow(event.After, matchedRule)

	// A modified column the rule hides is no longer reported
	transformed.ModifiedColumns = nil
	for _, col := range event.ModifiedColumns {
		if name, ok := matchedRule.outputKey(col); ok {
			transformed.ModifiedColumns = append(transformed.ModifiedColumns, name)
		}
	}

	return &transformed, nil
}

// transformRow applies transformation rules to a single row image
func (t *Transformer) transformRow(row map[string]interface{}, rule *RuleMatcher) map[string]interface{} {
	if row == nil {
		return nil
	}

	transformed := make(map[string]interface{}, len(row)+len(rule.addFields))

	// Add static fields first
	for key, value := range rule.addFields {
		transformed[key] = value
	}

	for key, value := range row {
		if outputKey, ok := rule.outputKey(key); ok {
			transformed[outputKey] = value
		}
	}

	return transformed
}

// outputKey applies include, exclude and rename to one column name
func (r *RuleMatcher) outputKey(key string) (string, bool) {
	keyLower := strings.ToLower(key)
	if len(r.exclude) > 0 && r.exclude[keyLower] {
		return "", false
	}
	if len(r.include) > 0 && !r.include[keyLower] {
		return "", false
	}
	if newName, ok := r.rename[keyLower]; ok {
		return newName, true
	}
	return key, true
}

// matches checks if a rule matches the given source (empty = all sources)
func (r *RuleMatcher) matches(source string) bool {
	return r.source == "" || strings.EqualFold(r.source, source)
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	levels := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range levels {
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish and the nats.kv bucket helpers
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	toBytes := func(fn string, v goja.Value) []byte {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("%s: data is required", fn))
		}
		switch data := v.Export().(type) {
		case string:
			return []byte(data)
		case []byte:
			return data
		default:
			b, err := json.Marshal(data)
			if err != nil {
				panic(vm.NewTypeError("%s: failed to marshal data: %v", fn, err))
			}
			return b
		}
	}

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		if err := t.natsConn.Publish(subject, toBytes("nats.publish", call.Argument(1))); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	bucket := func(fn string, call goja.FunctionCall) (nats.KeyValue, string) {
		name, key := call.Argument(0).String(), call.Argument(1).String()
		if name == "" || key == "" {
			panic(vm.NewTypeError("%s: bucket and key are required", fn))
		}
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(name)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", name, err)))
		}
		return kv, key
	}

	kvObj := vm.NewObject()
	kvFns := map[string]func(goja.FunctionCall) goja.Value{
		"get": func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("nats.kv.get", call)
			entry, err := kv.Get(key)
			if errors.Is(err, nats.ErrKeyNotFound) {
				return goja.Null()
			}
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(string(entry.Value()))
		},
		"put": func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("nats.kv.put", call)
			if _, err := kv.Put(key, toBytes("nats.kv.put", call.Argument(2))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		},
		"delete": func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("nats.kv.delete", call)
			if err := kv.Delete(key); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		},
	}
	for name, fn := range kvFns {
		if err := kvObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set KV %s function: %w", name, err)
		}
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}

	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}

		// With an include list, only included columns can be renamed
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
				}
			}
		}
	}

	return nil
}
