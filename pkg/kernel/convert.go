package kernel

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLuaValue converts a Go value into its Lua representation. Unknown types
// fall back to their string form rather than failing namespace injection.
func toLuaValue(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLuaValue(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLuaValue(L, item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// toGoValue converts a Lua value into a plain Go value. Tables with only
// consecutive integer keys become slices, everything else a map.
func toGoValue(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return v.String()
	}
}

func tableToGo(t *lua.LTable) interface{} {
	length := t.Len()
	if length > 0 {
		slice := make([]interface{}, 0, length)
		for i := 1; i <= length; i++ {
			slice = append(slice, toGoValue(t.RawGetInt(i)))
		}
		return slice
	}

	m := make(map[string]interface{})
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = toGoValue(v)
	})
	return m
}
