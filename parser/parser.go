// Package parser turns raw workflow documents into executable definitions
// and resolves the ${path.to.value} expressions embedded in step fields
// against a run's context snapshot.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
var timeoutPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseDefinition converts a schema-valid raw document into a typed
// definition. Field defaults (step names, error policies, retry counts,
// timeouts) are applied here so the executor never sees a partial step.
func ParseDefinition(doc model.Document) (*model.Workflow, error) {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document has no metadata section")
	}

	wf := &model.Workflow{
		Metadata: model.Metadata{
			Id:              cast.ToString(meta["id"]),
			Name:            cast.ToString(meta["name"]),
			Version:         cast.ToString(meta["version"]),
			Type:            model.Category(cast.ToString(meta["type"])),
			Description:     cast.ToString(meta["description"]),
			AverageDuration: cast.ToString(meta["averageDuration"]),
			Tags:            toStringList(meta["tags"]),
			Author:          cast.ToString(meta["author"]),
		},
		SuccessCriteria: toStringList(doc["successCriteria"]),
	}
	if eh, ok := doc["errorHandling"].(map[string]any); ok {
		wf.ErrorHandling = eh
	}

	inputs, err := parseInputs(doc["inputs"])
	if err != nil {
		return nil, err
	}
	wf.Inputs = inputs

	wf.Prerequisites = parsePrerequisites(doc["prerequisites"])

	steps, err := parseSteps(toList(doc["steps"]))
	if err != nil {
		return nil, err
	}
	wf.Steps = steps

	wf.Outputs = parseOutputs(doc["outputs"])
	return wf, nil
}

func parseInputs(raw any) ([]model.InputDef, error) {
	var defs []model.InputDef
	for _, item := range toList(raw) {
		input, ok := item.(map[string]any)
		if !ok {
			continue
		}
		def := model.InputDef{
			Name:        cast.ToString(input["name"]),
			Type:        cast.ToString(input["type"]),
			Required:    boolOr(input, "required", true),
			Description: cast.ToString(input["description"]),
		}
		if v, present := input["default"]; present {
			def.Default = v
			def.HasDefault = true
		}
		if def.Type == "enum" {
			def.Values = toList(input["values"])
		}
		if def.Type == "string" {
			if raw, present := input["pattern"]; present {
				pattern, err := regexp.Compile(cast.ToString(raw))
				if err != nil {
					return nil, fmt.Errorf("input '%s' pattern: %w", def.Name, err)
				}
				def.Pattern = pattern
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parsePrerequisites(raw any) []model.Prerequisite {
	var prereqs []model.Prerequisite
	for _, item := range toList(raw) {
		prereq, ok := item.(map[string]any)
		if !ok {
			continue
		}
		prereqs = append(prereqs, model.Prerequisite{
			Description: cast.ToString(prereq["description"]),
			Required:    boolOr(prereq, "required", true),
			Check:       cast.ToString(prereq["check"]),
		})
	}
	return prereqs
}

func parseSteps(raw []any) ([]*model.Step, error) {
	var steps []*model.Step
	for _, item := range raw {
		stepMap, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step is not a mapping: %v", item)
		}
		step, err := parseStep(stepMap)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseStep(raw map[string]any) (*model.Step, error) {
	id := cast.ToString(raw["id"])
	step := &model.Step{
		Id:          id,
		Name:        stringOr(raw, "name", id),
		Description: cast.ToString(raw["description"]),
		Action:      model.ActionType(cast.ToString(raw["action"])),
		OnError:     model.ErrorPolicy(stringOr(raw, "onError", string(model.ON_ERROR_FAIL))),
		RetryCount:  intOr(raw, "retryCount", 3),
		Outputs:     toStringList(raw["outputs"]),
	}

	var err error
	switch step.Action {
	case model.ACTION_EXECUTE_WORKFLOW:
		step.Workflow = cast.ToString(raw["workflow"])
		step.Inputs = toMap(raw["inputs"])
	case model.ACTION_SHELL_COMMAND:
		step.Command = cast.ToString(raw["command"])
		step.Timeout, err = ParseTimeout(stringOr(raw, "timeout", "5m"))
		if err != nil {
			return nil, fmt.Errorf("step '%s': %w", id, err)
		}
	case model.ACTION_GIT_OPERATION, model.ACTION_AZURE_DEVOPS:
		step.Operation = cast.ToString(raw["operation"])
		step.Inputs = toMap(raw["inputs"])
	case model.ACTION_CONDITIONAL, model.ACTION_WHILE_LOOP:
		step.Condition = cast.ToString(raw["condition"])
		step.Steps, err = parseSteps(toList(raw["steps"]))
		if err != nil {
			return nil, err
		}
	case model.ACTION_FOR_LOOP:
		step.Items = raw["items"]
		step.Condition = cast.ToString(raw["condition"])
		step.Steps, err = parseSteps(toList(raw["steps"]))
		if err != nil {
			return nil, err
		}
	case model.ACTION_PARALLEL:
		step.Steps, err = parseSteps(toList(raw["steps"]))
		if err != nil {
			return nil, err
		}
	case model.ACTION_WAIT:
		step.Duration, err = ParseTimeout(stringOr(raw, "duration", "1s"))
		if err != nil {
			return nil, fmt.Errorf("step '%s': %w", id, err)
		}
	case model.ACTION_SET_VARIABLE:
		step.Variable = cast.ToString(raw["variable"])
		step.Value = raw["value"]
	case model.ACTION_LOG:
		step.Message = cast.ToString(raw["message"])
		step.Level = stringOr(raw, "level", "info")
	default:
		return nil, fmt.Errorf("step '%s': unknown action '%s'", id, step.Action)
	}
	return step, nil
}

func parseOutputs(raw any) []model.OutputDef {
	var outputs []model.OutputDef
	for _, item := range toList(raw) {
		output, ok := item.(map[string]any)
		if !ok {
			continue
		}
		outputs = append(outputs, model.OutputDef{
			Name:        cast.ToString(output["name"]),
			Value:       output["value"],
			Description: cast.ToString(output["description"]),
		})
	}
	return outputs
}

// ParseTimeout parses a {n}{s|m|h} duration literal.
func ParseTimeout(literal string) (time.Duration, error) {
	match := timeoutPattern.FindStringSubmatch(literal)
	if match == nil {
		return 0, fmt.Errorf("invalid timeout format: %s", literal)
	}
	n, _ := strconv.Atoi(match[1])
	switch match[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}

// ResolveExpression resolves ${path} references in expr against a context
// snapshot. A pure reference yields the located value with its type intact;
// a string with embedded references yields a string with every reference
// stringified. Unresolvable paths yield nil with a warning, so references
// to not-yet-populated optional outputs do not abort a run.
func ResolveExpression(expr any, snapshot map[string]any) any {
	s, ok := expr.(string)
	if !ok {
		return expr
	}

	matches := varPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 1 && s == fmt.Sprintf("${%s}", matches[0][1]) {
		return resolvePath(matches[0][1], snapshot)
	}

	result := s
	for _, match := range matches {
		value := resolvePath(match[1], snapshot)
		result = strings.ReplaceAll(result, fmt.Sprintf("${%s}", match[1]), stringify(value))
	}
	return result
}

// ResolveInputs resolves every value of an input map, recursing into nested
// maps and lists.
func ResolveInputs(inputs map[string]any, snapshot map[string]any) map[string]any {
	resolved := make(map[string]any, len(inputs))
	for key, value := range inputs {
		resolved[key] = resolveValue(value, snapshot)
	}
	return resolved
}

func resolveValue(value any, snapshot map[string]any) any {
	switch v := value.(type) {
	case map[string]any:
		return ResolveInputs(v, snapshot)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, snapshot)
		}
		return out
	default:
		return ResolveExpression(value, snapshot)
	}
}

func resolvePath(path string, snapshot map[string]any) any {
	value, err := jsonpath.JsonPathLookup(snapshot, "$."+path)
	if err != nil {
		logger.Warn("unable to resolve path", zap.String("path", path))
		return nil
	}
	return value
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

// conditionOperators in match order. Substring matching over the resolved
// condition keeps the grammar to a single binary comparison per condition.
var conditionOperators = []string{"eq", "ne", "gte", "lte", "gt", "lt", "not_in", "in", "and", "or"}

// EvaluateCondition resolves references in cond, then evaluates it as a
// boolean, a single binary comparison, or via truthiness of the resolved
// value, in that order.
func EvaluateCondition(cond string, snapshot map[string]any) bool {
	resolved := ResolveExpression(cond, snapshot)

	if b, ok := resolved.(bool); ok {
		return b
	}

	text := stringify(resolved)
	for _, op := range conditionOperators {
		token := fmt.Sprintf(" %s ", op)
		if !strings.Contains(text, token) {
			continue
		}
		parts := strings.SplitN(text, token, 2)
		left := parseLiteral(strings.TrimSpace(parts[0]))
		right := parseLiteral(strings.TrimSpace(parts[1]))
		return applyOperator(op, left, right)
	}

	return truthy(resolved)
}

func applyOperator(op string, left, right any) bool {
	switch op {
	case "eq":
		return looseEqual(left, right)
	case "ne":
		return !looseEqual(left, right)
	case "gt", "lt", "gte", "lte":
		return compare(op, left, right)
	case "in":
		return strings.Contains(cast.ToString(right), cast.ToString(left))
	case "not_in":
		return !strings.Contains(cast.ToString(right), cast.ToString(left))
	case "and":
		return truthy(left) && truthy(right)
	case "or":
		return truthy(left) || truthy(right)
	}
	return false
}

func looseEqual(left, right any) bool {
	lf, lerr := cast.ToFloat64E(left)
	rf, rerr := cast.ToFloat64E(right)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	return cast.ToString(left) == cast.ToString(right)
}

func compare(op string, left, right any) bool {
	lf, lerr := cast.ToFloat64E(left)
	rf, rerr := cast.ToFloat64E(right)
	if lerr != nil || rerr != nil {
		// fall back to lexicographic comparison for non-numeric operands
		ls, rs := cast.ToString(left), cast.ToString(right)
		switch op {
		case "gt":
			return ls > rs
		case "lt":
			return ls < rs
		case "gte":
			return ls >= rs
		default:
			return ls <= rs
		}
	}
	switch op {
	case "gt":
		return lf > rf
	case "lt":
		return lf < rf
	case "gte":
		return lf >= rf
	default:
		return lf <= rf
	}
}

// parseLiteral coerces a condition operand: boolean keywords, then integer,
// then float, then quoted string, else the raw string.
func parseLiteral(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return true
		}
		return f != 0
	}
}

// ValidateInputs checks provided values against the declared inputs and
// returns the validated map. Absent inputs pick up their declared default;
// a required input with no default and no value is an error. Values the
// definition does not declare are dropped.
func ValidateInputs(defs []model.InputDef, provided map[string]any) (map[string]any, error) {
	validated := make(map[string]any)
	for _, def := range defs {
		value, present := provided[def.Name]
		if !present {
			if def.HasDefault {
				validated[def.Name] = def.Default
				continue
			}
			if def.Required {
				return nil, &model.InputValidationError{Input: def.Name, Reason: "required input not provided"}
			}
			continue
		}

		if def.Type == "enum" && len(def.Values) > 0 {
			if !enumMember(def.Values, value) {
				return nil, &model.InputValidationError{
					Input:  def.Name,
					Reason: fmt.Sprintf("must be one of %v", def.Values),
				}
			}
		}
		if def.Type == "string" && def.Pattern != nil {
			if !def.Pattern.MatchString(cast.ToString(value)) {
				return nil, &model.InputValidationError{
					Input:  def.Name,
					Reason: fmt.Sprintf("does not match required pattern %s", def.Pattern),
				}
			}
		}
		validated[def.Name] = value
	}
	return validated, nil
}

func enumMember(values []any, value any) bool {
	for _, candidate := range values {
		if looseEqual(candidate, value) {
			return true
		}
	}
	return false
}

func toList(v any) []any {
	l, _ := v.([]any)
	return l
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toStringList(v any) []string {
	list := toList(v)
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, cast.ToString(item))
	}
	return out
}

func stringOr(m map[string]any, field, fallback string) string {
	if s, ok := m[field].(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolOr(m map[string]any, field string, fallback bool) bool {
	if v, present := m[field]; present {
		return cast.ToBool(v)
	}
	return fallback
}

func intOr(m map[string]any, field string, fallback int) int {
	if v, present := m[field]; present {
		return cast.ToInt(v)
	}
	return fallback
}
