package configbridge

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ExtractFunctionPaths returns the dot-separated path of every non-nil
// function reachable from cfg. Map keys are visited in sorted order, struct
// fields in declaration order and slices by index, so the result does not
// depend on map iteration order. Cycles are visited once.
func ExtractFunctionPaths(cfg any) []string {
	w := &pathWalker{onStack: map[visit]bool{}}
	w.walk(reflect.ValueOf(cfg), "")
	return w.paths
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type pathWalker struct {
	paths   []string
	onStack map[visit]bool
}

func (w *pathWalker) walk(v reflect.Value, path string) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return
		}
		if v.Kind() == reflect.Pointer {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if w.onStack[key] {
				return
			}
			w.onStack[key] = true
			defer delete(w.onStack, key)
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.Func:
		if !v.IsNil() && path != "" {
			w.paths = append(w.paths, path)
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if w.onStack[key] {
			return
		}
		w.onStack[key] = true
		defer delete(w.onStack, key)

		keys, ok := sortedMapKeys(v)
		if !ok {
			return
		}
		for _, k := range keys {
			// A dot in the key cannot be addressed by a dot path.
			if strings.Contains(k.name, ".") {
				continue
			}
			w.walk(v.MapIndex(k.value), joinPath(path, k.name))
		}
	case reflect.Struct:
		for _, f := range structFields(v.Type()) {
			fv, ok := fieldValue(v, f.index)
			if !ok {
				continue
			}
			w.walk(fv, joinPath(path, f.name))
		}
	case reflect.Slice:
		if v.IsNil() || v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		if v.Len() > 0 {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if w.onStack[key] {
				return
			}
			w.onStack[key] = true
			defer delete(w.onStack, key)
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i), joinPath(path, strconv.Itoa(i)))
		}
	}
}

type mapKey struct {
	name  string
	value reflect.Value
}

// sortedMapKeys renders map keys the way encoding/json does for string and
// integer kinds. Other key kinds are not addressable by path.
func sortedMapKeys(v reflect.Value) ([]mapKey, bool) {
	keys := make([]mapKey, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		name, ok := keyName(k)
		if !ok {
			return nil, false
		}
		keys = append(keys, mapKey{name: name, value: k})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].name < keys[j].name })
	return keys, true
}

func keyName(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), true
	case reflect.Interface:
		if k.IsNil() {
			return "", false
		}
		return keyName(k.Elem())
	default:
		return "", false
	}
}

// keyFor converts a path segment into a key usable with m.MapIndex.
func keyFor(m reflect.Value, segment string) (reflect.Value, error) {
	kt := m.Type().Key()
	switch kt.Kind() {
	case reflect.String:
		return reflect.ValueOf(segment).Convert(kt), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(segment, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(kt), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(segment, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(kt), nil
	case reflect.Interface:
		return reflect.ValueOf(segment), nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported key type %s", kt)
	}
}
