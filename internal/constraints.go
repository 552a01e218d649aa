package internal

import (
	"fmt"
	"regexp"
	"time"

	"github.com/netzero-data/disclose"
)

// currentDateTag is interpolated with the validation-time timestamp when
// it appears as a datetime bound.
const currentDateTag = "{currentDate}"

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ConstraintChecker validates a single field value against the
// condition/action constraints declared on its column view. Conditions
// gate the whole constraint: at least one condition must hold, then
// every action is enforced.
type ConstraintChecker struct {
	nowFunc func() time.Time
}

// NewConstraintChecker creates a ConstraintChecker.
func NewConstraintChecker() *ConstraintChecker {
	return &ConstraintChecker{nowFunc: time.Now}
}

// Check validates value against all constraints declared on the column.
func (cc *ConstraintChecker) Check(col *disclose.ColumnDef, value any) error {
	for _, view := range col.Views {
		for _, constraint := range view.ConstraintValue {
			if len(constraint.Conditions) > 0 {
				if err := cc.checkConditions(col, constraint.Conditions, value); err != nil {
					return err
				}
			}
			for _, action := range constraint.Actions {
				if err := cc.checkAction(col, action.Set, value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkConditions requires at least one comparison condition to hold.
func (cc *ConstraintChecker) checkConditions(col *disclose.ColumnDef, conditions []disclose.ConstraintRule, value any) error {
	anyTrue := false
	for _, condition := range conditions {
		op, bound, found := findComparison(condition.Set)
		if !found {
			continue
		}
		if compareCondition(op, bound, value) {
			anyTrue = true
		}
	}
	if !anyTrue {
		return disclose.NewConstraintError(col.Name,
			fmt.Sprintf("value for %s does not fulfill constraints", col.Name)).
			WithDetail("value", value)
	}
	return nil
}

// findComparison digs the first lt/le/eq/ge/gt operator out of an
// arbitrarily nested condition payload.
func findComparison(node any) (string, any, bool) {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			switch key {
			case "lt", "le", "eq", "ge", "gt":
				return key, value, true
			}
			if op, bound, ok := findComparison(value); ok {
				return op, bound, ok
			}
		}
	case []any:
		for _, item := range v {
			if op, bound, ok := findComparison(item); ok {
				return op, bound, ok
			}
		}
	}
	return "", nil, false
}

func compareCondition(op string, bound, value any) bool {
	if op == "eq" {
		if bn, ok := toFloat(bound); ok {
			vn, ok := toFloat(value)
			return ok && bn == vn
		}
		return fmt.Sprintf("%v", bound) == fmt.Sprintf("%v", value)
	}
	bn, ok := toFloat(bound)
	if !ok {
		return false
	}
	vn, ok := toFloat(value)
	if !ok {
		return false
	}
	switch op {
	case "lt":
		return vn < bn
	case "le":
		return vn <= bn
	case "ge":
		return vn >= bn
	case "gt":
		return vn > bn
	}
	return false
}

func (cc *ConstraintChecker) checkAction(col *disclose.ColumnDef, set map[string]any, value any) error {
	if set == nil {
		return nil
	}
	if err := cc.checkRequired(col, set, value); err != nil {
		return err
	}
	switch col.AttributeType {
	case disclose.AttributeTypeDatetime:
		return cc.checkDatetime(col, set, value)
	case disclose.AttributeTypeInt, disclose.AttributeTypeFloat:
		return cc.checkNumber(col, set, value)
	case disclose.AttributeTypeText:
		return cc.checkText(col, set, value)
	}
	return nil
}

func (cc *ConstraintChecker) checkRequired(col *disclose.ColumnDef, set map[string]any, value any) error {
	required, declared := set["required"].(bool)
	if !declared || !required {
		return nil
	}
	if isTruthy(value) {
		return nil
	}
	return disclose.NewRequiredFieldError(col.Name)
}

func (cc *ConstraintChecker) checkNumber(col *disclose.ColumnDef, set map[string]any, value any) error {
	if value == nil || disclose.IsNullState(value) {
		return nil
	}
	vn, ok := toFloat(value)
	if !ok {
		return disclose.NewConstraintError(col.Name,
			fmt.Sprintf("invalid data type %T in %s, must be a number", value, col.Name))
	}
	if min, ok := toFloat(set["min"]); ok && vn < min {
		return cc.boundsError(col, value)
	}
	if max, ok := toFloat(set["max"]); ok && vn > max {
		return cc.boundsError(col, value)
	}
	return nil
}

func (cc *ConstraintChecker) checkText(col *disclose.ColumnDef, set map[string]any, value any) error {
	if value == nil || disclose.IsNullState(value) {
		return nil
	}
	text, ok := value.(string)
	if !ok {
		return disclose.NewConstraintError(col.Name,
			fmt.Sprintf("invalid data type %T in %s, must be a string", value, col.Name))
	}
	if format, ok := set["format"].(string); ok && format != "" {
		matched, err := regexp.MatchString("^(?:"+format+")", text)
		if err != nil {
			return disclose.NewInternalError(
				fmt.Sprintf("invalid format pattern on column %s", col.Name), err)
		}
		if !matched {
			return cc.boundsError(col, value)
		}
	}
	length := float64(len([]rune(text)))
	if min, ok := toFloat(set["min"]); ok && length < min {
		return cc.boundsError(col, value)
	}
	if max, ok := toFloat(set["max"]); ok && length > max {
		return cc.boundsError(col, value)
	}
	return nil
}

func (cc *ConstraintChecker) checkDatetime(col *disclose.ColumnDef, set map[string]any, value any) error {
	if value == nil || disclose.IsNullState(value) {
		return nil
	}
	text, ok := value.(string)
	if !ok {
		return disclose.NewConstraintError(col.Name,
			fmt.Sprintf("invalid data type %T in %s, must be a datetime string", value, col.Name))
	}

	var parsed time.Time
	var err error
	if layout, ok := set["format"].(string); ok && layout != "" {
		parsed, err = time.Parse(layout, text)
		if err != nil {
			return cc.boundsError(col, value)
		}
	} else {
		parsed, err = parseDatetime(text)
		if err != nil {
			return disclose.NewConstraintError(col.Name,
				fmt.Sprintf("datetime %s is not a valid ISO timestamp", text))
		}
	}

	if bound, ok, err := cc.datetimeBound(col, set, "min"); err != nil {
		return err
	} else if ok && parsed.Before(bound) {
		return cc.boundsError(col, value)
	}
	if bound, ok, err := cc.datetimeBound(col, set, "max"); err != nil {
		return err
	} else if ok && parsed.After(bound) {
		return cc.boundsError(col, value)
	}
	return nil
}

func (cc *ConstraintChecker) datetimeBound(col *disclose.ColumnDef, set map[string]any, key string) (time.Time, bool, error) {
	raw, ok := set[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	if raw == currentDateTag {
		return cc.nowFunc().UTC(), true, nil
	}
	bound, err := parseDatetime(raw)
	if err != nil {
		return time.Time{}, false, disclose.NewInternalError(
			fmt.Sprintf("invalid %s datetime bound on column %s", key, col.Name), err)
	}
	return bound, true, nil
}

func parseDatetime(text string) (time.Time, error) {
	var lastErr error
	for _, layout := range datetimeLayouts {
		parsed, err := time.Parse(layout, text)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (cc *ConstraintChecker) boundsError(col *disclose.ColumnDef, value any) error {
	return disclose.NewConstraintError(col.Name,
		fmt.Sprintf("value for %s does not fulfill constraints", col.Name)).
		WithDetail("value", value)
}

// isTruthy mirrors the truthiness the constraint payloads assume: nil,
// empty strings, zero numbers, false, and empty containers are absent.
func isTruthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		if n, ok := toFloat(value); ok {
			return n != 0
		}
		return true
	}
}

// toFloat normalizes numeric representations for comparisons.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
