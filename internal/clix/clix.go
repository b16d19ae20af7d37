// Package clix fills config structs from urfave/cli flags. Fields are matched
// on their `cli:"flag-name"` tag, untagged struct fields are walked recursively.
package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct && field.Type() != timeType {
				assign(c, field)
			}
			continue
		}
		switch {
		case field.Type() == durationType:
			field.Set(reflect.ValueOf(c.Duration(tag)))
		case field.Type() == timeType:
			if t := c.Timestamp(tag); t != nil {
				field.Set(reflect.ValueOf(*t))
			}
		case field.Type() == reflect.PointerTo(timeType):
			if t := c.Timestamp(tag); t != nil {
				field.Set(reflect.ValueOf(t))
			}
		default:
			assignKind(c, tag, field)
		}
	}
}

func assignKind(c *cli.Context, tag string, field reflect.Value) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(c.String(tag))
	case reflect.Int:
		field.SetInt(int64(c.Int(tag)))
	case reflect.Int64:
		field.SetInt(c.Int64(tag))
	case reflect.Uint:
		field.SetUint(uint64(c.Uint(tag)))
	case reflect.Uint64:
		field.SetUint(c.Uint64(tag))
	case reflect.Bool:
		field.SetBool(c.Bool(tag))
	case reflect.Float64:
		field.SetFloat(c.Float64(tag))
	case reflect.Slice:
		switch field.Interface().(type) {
		case []string:
			field.Set(reflect.ValueOf(c.StringSlice(tag)))
		case []int:
			field.Set(reflect.ValueOf(c.IntSlice(tag)))
		case []int64:
			field.Set(reflect.ValueOf(c.Int64Slice(tag)))
		case []float64:
			field.Set(reflect.ValueOf(c.Float64Slice(tag)))
		}
	}
}
