package config

import (
	"fmt"
	"reflect"
	"strings"
)

// StringList is a list setting that also accepts a single or
// comma-separated string.
type StringList []string

// StringOrSliceHookFunc is a viper/mapstructure decode hook for StringList.
// A string from the environment is split on commas.
func StringOrSliceHookFunc() func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(StringList{}) {
			return data, nil
		}

		if f.Kind() == reflect.String {
			s := data.(string)
			if s == "" {
				return StringList{}, nil
			}
			parts := strings.Split(s, ",")
			out := make(StringList, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out, nil
		}

		if f.Kind() == reflect.Slice {
			v := reflect.ValueOf(data)
			result := make(StringList, 0, v.Len())
			for i := 0; i < v.Len(); i++ {
				result = append(result, fmt.Sprint(v.Index(i).Interface()))
			}
			return result, nil
		}

		return data, nil
	}
}
