package bencode

import (
	"errors"
	"io"
	"math/big"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"sync"
)

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}

type Encoder struct {
	w       io.Writer
	scratch [64]byte
}

func (e *Encoder) Encode(v interface{}) (err error) {
	if v == nil {
		return
	}
	defer func() {
		if e := recover(); e != nil {
			if _, ok := e.(runtime.Error); ok {
				panic(e)
			}
			var ok bool
			err, ok = e.(error)
			if !ok {
				panic(e)
			}
		}
	}()
	e.reflectValue(reflect.ValueOf(v))
	return nil
}

type stringValues []reflect.Value

func (sv stringValues) Len() int           { return len(sv) }
func (sv stringValues) Swap(i, j int)      { sv[i], sv[j] = sv[j], sv[i] }
func (sv stringValues) Less(i, j int) bool { return sv.get(i) < sv.get(j) }
func (sv stringValues) get(i int) string   { return sv[i].String() }

func (e *Encoder) write(s []byte) {
	_, err := e.w.Write(s)
	if err != nil {
		panic(err)
	}
}

func (e *Encoder) writeString(s string) {
	_, err := io.WriteString(e.w, s)
	if err != nil {
		panic(err)
	}
}

func (e *Encoder) reflectString(s string) {
	e.writeStringPrefix(int64(len(s)))
	e.writeString(s)
}

func (e *Encoder) writeStringPrefix(l int64) {
	b := strconv.AppendInt(e.scratch[:0], l, 10)
	b = append(b, ':')
	e.write(b)
}

func (e *Encoder) reflectByteSlice(s []byte) {
	e.writeStringPrefix(int64(len(s)))
	e.write(s)
}

// Returns true if the value implements Marshaler and was marshaled that way.
func (e *Encoder) reflectMarshaler(v reflect.Value) bool {
	if !v.Type().Implements(marshalerType) {
		if v.Kind() != reflect.Ptr && v.CanAddr() && v.Addr().Type().Implements(marshalerType) {
			v = v.Addr()
		} else {
			return false
		}
	}
	m := v.Interface().(Marshaler)
	data, err := m.MarshalBencode()
	if err != nil {
		panic(&MarshalerError{v.Type(), err})
	}
	if len(data) == 0 {
		panic(&MarshalerError{v.Type(), errors.New("marshaled empty value")})
	}
	e.write(data)
	return true
}

var bigIntType = reflect.TypeOf((*big.Int)(nil)).Elem()

func (e *Encoder) reflectValue(v reflect.Value) {
	if e.reflectMarshaler(v) {
		return
	}

	if v.Type() == bigIntType {
		e.writeString("i")
		bi := v.Interface().(big.Int)
		e.writeString(bi.String())
		e.writeString("e")
		return
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.writeString("i1e")
		} else {
			e.writeString("i0e")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b := strconv.AppendInt(e.scratch[:0], v.Int(), 10)
		e.writeString("i")
		e.write(b)
		e.writeString("e")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b := strconv.AppendUint(e.scratch[:0], v.Uint(), 10)
		e.writeString("i")
		e.write(b)
		e.writeString("e")
	case reflect.String:
		e.reflectString(v.String())
	case reflect.Struct:
		e.writeString("d")
		for _, ef := range getEncodeFields(v.Type()) {
			fieldValue := v.FieldByIndex(ef.index)
			if !fieldValue.IsValid() {
				continue
			}
			if ef.omitEmpty && isEmptyValue(fieldValue) {
				continue
			}
			e.reflectString(ef.key)
			e.reflectValue(fieldValue)
		}
		e.writeString("e")
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			panic(&MarshalTypeError{v.Type()})
		}
		if v.IsNil() {
			e.writeString("de")
			break
		}
		e.writeString("d")
		sv := stringValues(v.MapKeys())
		sort.Sort(sv)
		for _, key := range sv {
			e.reflectString(key.String())
			e.reflectValue(v.MapIndex(key))
		}
		e.writeString("e")
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.reflectByteSlice(v.Bytes())
			break
		}
		e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			e.reflectByteSlice(b)
			break
		}
		e.encodeList(v)
	case reflect.Ptr:
		if v.IsNil() {
			e.reflectValue(reflect.Zero(v.Type().Elem()))
		} else {
			e.reflectValue(v.Elem())
		}
	case reflect.Interface:
		if v.IsNil() {
			panic(&MarshalTypeError{v.Type()})
		}
		e.reflectValue(v.Elem())
	default:
		panic(&MarshalTypeError{v.Type()})
	}
}

func (e *Encoder) encodeList(v reflect.Value) {
	e.writeString("l")
	for i, n := 0, v.Len(); i < n; i++ {
		e.reflectValue(v.Index(i))
	}
	e.writeString("e")
}

type encodeField struct {
	index     []int
	key       string
	omitEmpty bool
}

type encodeFieldsSortType []encodeField

func (ef encodeFieldsSortType) Len() int           { return len(ef) }
func (ef encodeFieldsSortType) Swap(i, j int)      { ef[i], ef[j] = ef[j], ef[i] }
func (ef encodeFieldsSortType) Less(i, j int) bool { return ef[i].key < ef[j].key }

var encodeFieldsCache sync.Map // reflect.Type -> []encodeField

func getEncodeFields(t reflect.Type) []encodeField {
	if fs, ok := encodeFieldsCache.Load(t); ok {
		return fs.([]encodeField)
	}
	fs := makeEncodeFields(t)
	encodeFieldsCache.Store(t, fs)
	return fs
}

func makeEncodeFields(t reflect.Type) (fs []encodeField) {
	appendFields(t, nil, &fs)
	sort.Sort(encodeFieldsSortType(fs))
	return
}

func appendFields(t reflect.Type, prefix []int, fs *[]encodeField) {
	for i, n := 0, t.NumField(); i < n; i++ {
		f := t.Field(i)
		tagStr := f.Tag.Get("bencode")
		if f.Anonymous && f.Type.Kind() == reflect.Struct && tagStr == "" {
			appendFields(f.Type, append(append([]int(nil), prefix...), i), fs)
			continue
		}
		if f.PkgPath != "" {
			continue
		}
		tg := parseTag(tagStr)
		if tg.Ignore() {
			continue
		}
		ef := encodeField{
			index:     append(append([]int(nil), prefix...), i),
			key:       tg.Key(),
			omitEmpty: tg.OmitEmpty(),
		}
		if ef.key == "" {
			ef.key = f.Name
		}
		*fs = append(*fs, ef)
	}
}
