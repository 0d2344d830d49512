package kv

import (
	"fmt"
	"strconv"
	"time"
)

// String converts a reply to a string; ok is false for a nil reply.
func String(reply any) (s string, ok bool, err error) {
	switch v := reply.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	case int64:
		return strconv.FormatInt(v, 10), true, nil
	default:
		return "", false, fmt.Errorf("kv: unexpected reply %T for string", reply)
	}
}

// Int converts a reply to an int64.
func Int(reply any) (int64, error) {
	switch v := reply.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("kv: unexpected reply %T for integer", reply)
	}
}

// Strings converts a reply to a string slice.
func Strings(reply any) ([]string, error) {
	switch v := reply.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _, err := String(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("kv: unexpected reply %T for list", reply)
	}
}

// StringMap converts a reply to a field map.
func StringMap(reply any) (map[string]string, error) {
	switch v := reply.(type) {
	case nil:
		return map[string]string{}, nil
	case map[string]string:
		return v, nil
	default:
		return nil, fmt.Errorf("kv: unexpected reply %T for hash", reply)
	}
}

// argString renders a command argument as the string the store keeps.
func argString(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// argStrings flattens arguments that may be passed as a slice.
func argStrings(args []any) []string {
	var out []string
	for _, a := range args {
		switch v := a.(type) {
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				out = append(out, argString(item))
			}
		default:
			out = append(out, argString(v))
		}
	}
	return out
}

// argFields extracts the field map of an hmset command.
func argFields(args []any) (map[string]string, error) {
	if len(args) == 1 {
		switch v := args[0].(type) {
		case map[string]string:
			return v, nil
		case map[string]any:
			out := make(map[string]string, len(v))
			for k, val := range v {
				out[k] = argString(val)
			}
			return out, nil
		}
	}
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("kv: wrong number of arguments for %s", CmdHMSet)
	}
	out := make(map[string]string, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		out[argString(args[i])] = argString(args[i+1])
	}
	return out, nil
}

// argSeconds extracts the seconds argument of an expire command.
func argSeconds(args []any) (time.Duration, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("kv: wrong number of arguments for %s", CmdExpire)
	}
	n, err := Int(args[0])
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
