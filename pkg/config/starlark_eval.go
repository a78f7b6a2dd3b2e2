package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultLoadTimeout bounds the evaluation of one recipe file.
const DefaultLoadTimeout = 30 * time.Second

// newThread creates a thread whose print() goes to the debug log.
func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(t *starlark.Thread, msg string) {
			log.Debug().Str("thread", t.Name).Msg(msg)
		},
	}
}

// cancelOnDone cancels thread when ctx is done. The returned function must be
// called once the thread has finished.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// callWithContext calls fn on a fresh thread, cancelling it with ctx.
func callWithContext(ctx context.Context, thread *starlark.Thread, fn starlark.Callable, args starlark.Tuple) (starlark.Value, error) {
	done := cancelOnDone(ctx, thread)
	defer done()

	v, err := starlark.Call(thread, fn, args, nil)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), ctx.Err())
	}
	return v, err
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Lists made only of
// strings become []string, so their items stay templates.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromStarlarkSequence(val)
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) (interface{}, error) {
	items := make([]interface{}, seq.Len())
	allStrings := true
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		if _, ok := item.(string); !ok {
			allStrings = false
		}
		items[i] = item
	}
	if len(items) == 0 {
		return []string{}, nil
	}
	if !allStrings {
		return items, nil
	}
	strs := make([]string, len(items))
	for i, item := range items {
		strs[i] = item.(string)
	}
	return strs, nil
}

// stringList unpacks a list or tuple of strings.
func stringList(fnName string, v starlark.Value) ([]string, error) {
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("%s: expected list of strings, got %s", fnName, v.Type())
	}
	out := make([]string, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		s, ok := starlark.AsString(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: item %d is %s, want string", fnName, i, seq.Index(i).Type())
		}
		out[i] = s
	}
	return out, nil
}

// stringDict unpacks a dict of strings, or None.
func stringDict(fnName string, v starlark.Value) (map[string]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: expected dict, got %s", fnName, v.Type())
	}
	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: dict key must be string", fnName)
		}
		val, ok := starlark.AsString(item[1])
		if !ok {
			val = item[1].String()
		}
		out[k] = val
	}
	return out, nil
}

// seconds converts an int or float number of seconds into a duration.
func seconds(fnName string, v starlark.Value) (time.Duration, error) {
	if v == nil || v == starlark.None {
		return 0, nil
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: timeout must be a number of seconds, got %s", fnName, v.Type())
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: timeout must not be negative", fnName)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
