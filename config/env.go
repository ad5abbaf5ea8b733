package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Env loads configuration from process environment variables. Keys map to
// variable names by uppercasing the json tag (or field name) and joining
// nested structs with underscores, so a field tagged `json:"batch_size"`
// reads BATCH_SIZE. Variables that are not set leave the target field
// untouched, which lets callers pre-fill defaults before loading.
type Env struct {
	// Prefix, when set, is prepended to every variable name with an
	// underscore: Prefix "REFINERY" makes batch_size read REFINERY_BATCH_SIZE.
	Prefix string
}

func (e *Env) Check() error {
	return nil
}

func (e *Env) varName(key string) string {
	name := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if e.Prefix != "" {
		name = e.Prefix + "_" + name
	}
	return name
}

// Get returns the environment variable for key; dots in the key become
// underscores. A missing variable returns KeyNotFoundError.
func (e *Env) Get(key string) (string, error) {
	value, ok := os.LookupEnv(e.varName(key))
	if !ok {
		return "", &KeyNotFoundError{Key: key}
	}
	return value, nil
}

// LoadConfig fills the struct pointed to by appConfig from the environment.
// Supported field types: string, bool, integers, floats, and []string
// (comma separated). Nested structs are walked with their tag joined into
// the variable name.
func (e *Env) LoadConfig(appConfig any) error {
	rv := reflect.ValueOf(appConfig)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config target must be a non-nil pointer to a struct")
	}
	return e.fill(rv.Elem(), "")
}

func (e *Env) fill(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		key := name
		if prefix != "" {
			key = prefix + "_" + name
		}

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			if err := e.fill(fv, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(e.varName(key))
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s: %w", e.varName(key), err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		fv.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
