package bencode

import (
	"bufio"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// Encoder is a bencode stream encoder.
type Encoder struct {
	w interface {
		io.Writer
		io.ByteWriter
	}
}

// Encode writes the bencoded form of v.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.(*bufio.Writer).Flush()
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return &MarshalTypeError{Type: nil}
	}

	if m, ok := v.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{Type: v.Type(), Err: err}
		}
		_, err = e.w.Write(b)
		return err
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return e.encodeString("")
		}
		return e.encodeValue(v.Elem())
	case reflect.String:
		return e.encodeString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.encodeBytes(v.Bytes())
		}
		return e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.encodeBytes(b)
		}
		return e.encodeList(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encodeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.encodeUint(v.Uint())
	case reflect.Bool:
		if v.Bool() {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{Type: v.Type()}
	}
}

func (e *Encoder) encodeString(s string) error {
	if _, err := e.w.Write([]byte(strconv.Itoa(len(s)) + ":")); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeBytes(b []byte) error {
	if _, err := e.w.Write([]byte(strconv.Itoa(len(b)) + ":")); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) encodeInt(n int64) error {
	_, err := fmt.Fprintf(e.w, "i%de", n)
	return err
}

func (e *Encoder) encodeUint(n uint64) error {
	_, err := fmt.Fprintf(e.w, "i%de", n)
	return err
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if err := e.w.WriteByte('l'); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{Type: v.Type()}
	}
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if err := e.encodeString(k.String()); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

type bencodeField struct {
	name     string
	index    int
	omitempty bool
}

func bencodeFields(t reflect.Type) []bencodeField {
	var fields []bencodeField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fields = append(fields, bencodeField{name: name, index: i, omitempty: opts.contains("omitempty")})
	}
	return fields
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	fields := bencodeFields(v.Type())
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	for _, f := range fields {
		fv := v.Field(f.index)
		if f.omitempty && isEmptyValue(fv) {
			continue
		}
		if err := e.encodeString(f.name); err != nil {
			return err
		}
		if err := e.encodeValue(fv); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
