package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"runtime"
	"strconv"
	"sync"
)

// A Decoder reads bencoded values from an input stream.
type Decoder struct {
	r interface {
		io.ByteScanner
		io.Reader
	}
	// Sum of bytes used to decode values.
	Offset int64
	buf    bytes.Buffer
	key    string
}

// Decode reads the next bencoded value from the stream into the value pointed
// to by v. Returns io.EOF if the stream ends cleanly on a value boundary.
func (d *Decoder) Decode(v interface{}) (err error) {
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

	pv := reflect.ValueOf(v)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return &UnmarshalInvalidArgError{reflect.TypeOf(v)}
	}

	ok, err := d.parseValue(pv.Elem())
	if err != nil {
		return
	}
	if !ok {
		d.throwSyntaxError(d.Offset-1, errors.New("unexpected 'e'"))
	}
	return
}

func checkForUnexpectedEOF(err error, offset int64) {
	if err == io.EOF {
		panic(&SyntaxError{
			Offset: offset,
			What:   io.ErrUnexpectedEOF,
		})
	}
}

func (d *Decoder) readByte() byte {
	b, err := d.r.ReadByte()
	if err != nil {
		checkForUnexpectedEOF(err, d.Offset)
		panic(err)
	}
	d.Offset++
	return b
}

// Reads bytes into d.buf until the given terminator. The terminator is
// consumed but not retained.
func (d *Decoder) readUntil(sep byte) {
	for {
		b := d.readByte()
		if b == sep {
			return
		}
		d.buf.WriteByte(b)
	}
}

// Like readUntil, but the terminator is retained too. Used for capturing raw
// values for Unmarshalers.
func (d *Decoder) readUntilKeep(sep byte) {
	for {
		b := d.readByte()
		d.buf.WriteByte(b)
		if b == sep {
			return
		}
	}
}

func checkForIntParseError(err error, offset int64) {
	if err != nil {
		panic(&SyntaxError{
			Offset: offset,
			What:   err,
		})
	}
}

func (d *Decoder) throwSyntaxError(offset int64, err error) {
	panic(&SyntaxError{
		Offset: offset,
		What:   err,
	})
}

// Checks the text of an integer value for the canonical form: no leading
// zeros, and no negative zero.
func (d *Decoder) checkIntegerText(s string, offset int64) {
	t := s
	if len(t) != 0 && t[0] == '-' {
		t = t[1:]
	}
	if len(t) == 0 {
		d.throwSyntaxError(offset, errors.New("empty integer value"))
	}
	for i := 0; i < len(t); i++ {
		if t[i] < '0' || t[i] > '9' {
			d.throwSyntaxError(offset, fmt.Errorf("invalid byte %q in integer value", t[i]))
		}
	}
	if t[0] == '0' && (len(t) > 1 || t != s) {
		d.throwSyntaxError(offset, errors.New("non-canonical integer value"))
	}
}

// Called after the opening 'i'. Returns an *UnmarshalTypeError if the target
// can't hold an integer; syntax errors panic.
func (d *Decoder) parseInt(v reflect.Value) error {
	start := d.Offset - 1
	d.readUntil('e')
	defer d.buf.Reset()

	s := bytesAsString(d.buf.Bytes())
	d.checkIntegerText(s, start)

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		checkForIntParseError(err, start)
		if v.OverflowInt(n) {
			return &UnmarshalTypeError{
				BencodeTypeName:     "int",
				UnmarshalTargetType: v.Type(),
			}
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(s, 10, 64)
		checkForIntParseError(err, start)
		if v.OverflowUint(n) {
			return &UnmarshalTypeError{
				BencodeTypeName:     "int",
				UnmarshalTargetType: v.Type(),
			}
		}
		v.SetUint(n)
	case reflect.Bool:
		v.SetBool(s != "0")
	default:
		if v.Type() == bigIntType {
			var i big.Int
			_, ok := i.SetString(s, 10)
			if !ok {
				d.throwSyntaxError(start, errors.New("invalid integer value"))
			}
			v.Set(reflect.ValueOf(i))
			return nil
		}
		return &UnmarshalTypeError{
			BencodeTypeName:     "int",
			UnmarshalTargetType: v.Type(),
		}
	}
	return nil
}

// Reads the string length prefix from d.buf (the first digit is already
// there) plus the stream, and returns the string body.
func (d *Decoder) readStringBody() []byte {
	start := d.Offset - 1
	d.readUntil(':')
	length, err := strconv.ParseInt(bytesAsString(d.buf.Bytes()), 10, 64)
	checkForIntParseError(err, start)
	if length < 0 {
		d.throwSyntaxError(start, errors.New("negative string length"))
	}
	if t := d.buf.Bytes(); t[0] == '0' && len(t) > 1 {
		d.throwSyntaxError(start, errors.New("non-canonical string length"))
	}
	d.buf.Reset()

	b := make([]byte, length)
	n, err := io.ReadFull(d.r, b)
	d.Offset += int64(n)
	if err != nil {
		checkForUnexpectedEOF(err, d.Offset)
		panic(&SyntaxError{Offset: d.Offset, What: err})
	}
	return b
}

// Called after the first digit of the length prefix has been buffered.
func (d *Decoder) parseString(v reflect.Value) error {
	b := d.readStringBody()
	switch v.Kind() {
	case reflect.String:
		v.SetString(string(b))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			break
		}
		if v.Type().Elem() == reflect.TypeOf(byte(0)) {
			v.SetBytes(b)
			return nil
		}
		sl := reflect.MakeSlice(v.Type(), len(b), len(b))
		for i := range b {
			sl.Index(i).SetUint(uint64(b[i]))
		}
		v.Set(sl)
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			break
		}
		n := v.Len()
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			v.Index(i).SetUint(uint64(b[i]))
		}
		return nil
	case reflect.Bool:
		v.SetBool(len(b) != 0 && string(b) != "0" && string(b) != "false")
		return nil
	}
	return &UnmarshalTypeError{
		BencodeTypeName:     "string",
		UnmarshalTargetType: v.Type(),
	}
}

// Consumes the remaining items of a compound value whose opener has already
// been read. Values are discarded.
func (d *Decoder) drainCompound() {
	for {
		_, ok := d.parseValueInterface()
		if !ok {
			return
		}
	}
}

// Called after the opening 'd'.
func (d *Decoder) parseDict(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Map:
		t := v.Type()
		if t.Key().Kind() != reflect.String {
			d.drainCompound()
			return &UnmarshalTypeError{
				BencodeTypeName:     "dict",
				UnmarshalTargetType: t,
			}
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		}
	case reflect.Struct:
	default:
		d.drainCompound()
		return &UnmarshalTypeError{
			BencodeTypeName:     "dict",
			UnmarshalTargetType: v.Type(),
		}
	}

	for {
		keyi, ok := d.parseValueInterface()
		if !ok {
			return nil
		}
		key, ok := keyi.(string)
		if !ok {
			d.throwSyntaxError(d.Offset-1, errors.New("non-string key in a dict"))
		}
		d.key = key

		switch v.Kind() {
		case reflect.Map:
			elem := reflect.New(v.Type().Elem()).Elem()
			ok, err := d.parseValue(elem)
			if err != nil {
				return fmt.Errorf("parsing value for key %q: %w", key, err)
			}
			if !ok {
				// Key with no value; drop it like the interface decoder does.
				return nil
			}
			v.SetMapIndex(reflect.ValueOf(key).Convert(v.Type().Key()), elem)
		case reflect.Struct:
			sf, fieldOk := getStructFieldForKey(v.Type(), key)
			if !fieldOk {
				_, ok := d.parseValueInterface()
				if !ok {
					return nil
				}
				continue
			}
			field := v.FieldByIndex(sf.index)
			ok, err := d.parseValue(field)
			if err != nil {
				var ute *UnmarshalTypeError
				if errors.As(err, &ute) && sf.tag.IgnoreUnmarshalTypeError() {
					continue
				}
				return fmt.Errorf("parsing value for key %q: %w", key, err)
			}
			if !ok {
				return nil
			}
		}
	}
}

// Called after the opening 'l'.
func (d *Decoder) parseList(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Array, reflect.Slice:
	default:
		d.drainCompound()
		return &UnmarshalTypeError{
			BencodeTypeName:     "list",
			UnmarshalTargetType: v.Type(),
		}
	}

	i := 0
	for ; ; i++ {
		if v.Kind() == reflect.Slice && i >= v.Len() {
			v.Set(reflect.Append(v, reflect.Zero(v.Type().Elem())))
		}
		if i < v.Len() {
			ok, err := d.parseValue(v.Index(i))
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		} else {
			_, ok := d.parseValueInterface()
			if !ok {
				break
			}
		}
	}

	if i < v.Len() {
		if v.Kind() == reflect.Array {
			z := reflect.Zero(v.Type().Elem())
			for n := v.Len(); i < n; i++ {
				v.Index(i).Set(z)
			}
		} else {
			v.SetLen(i)
		}
	}

	if i == 0 && v.Kind() == reflect.Slice && v.IsNil() {
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	}
	return nil
}

// Copies one complete bencoded value from the stream into d.buf, verbatim.
// Returns false if the next byte is an 'e' (which is left unconsumed).
func (d *Decoder) readOneValue() bool {
	b, err := d.r.ReadByte()
	if err != nil {
		checkForUnexpectedEOF(err, d.Offset)
		panic(err)
	}
	if b == 'e' {
		if err := d.r.UnreadByte(); err != nil {
			panic(err)
		}
		return false
	}
	d.Offset++
	d.buf.WriteByte(b)

	switch {
	case b == 'd' || b == 'l':
		for d.readOneValue() {
		}
		d.buf.WriteByte(d.readByte())
	case b == 'i':
		d.readUntilKeep('e')
	case b >= '0' && b <= '9':
		start := d.buf.Len() - 1
		d.readUntilKeep(':')
		length, err := strconv.ParseInt(
			bytesAsString(d.buf.Bytes()[start:d.buf.Len()-1]), 10, 64)
		checkForIntParseError(err, d.Offset-1)
		n, err := io.CopyN(&d.buf, d.r, length)
		d.Offset += n
		if err != nil {
			checkForUnexpectedEOF(err, d.Offset)
			panic(&SyntaxError{Offset: d.Offset, What: err})
		}
	default:
		d.throwSyntaxError(d.Offset-1, fmt.Errorf("unexpected value byte %q", b))
	}
	return true
}

func (d *Decoder) parseUnmarshaler(v reflect.Value) bool {
	m := v.Interface().(Unmarshaler)
	d.buf.Reset()
	if !d.readOneValue() {
		// Consume the 'e' that readOneValue left unread.
		d.readByte()
		return false
	}
	err := m.UnmarshalBencode(d.buf.Bytes())
	if err != nil {
		panic(&UnmarshalerError{v.Type(), err})
	}
	d.buf.Reset()
	return true
}

// Returns true if there was a value and it's now stored in v, otherwise
// there was an end symbol ("e") and no value was stored.
func (d *Decoder) parseValue(v reflect.Value) (bool, error) {
	if v.Kind() == reflect.Ptr && v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}

	if v.Type().Implements(unmarshalerType) {
		return d.parseUnmarshaler(v), nil
	}
	if v.Kind() != reflect.Ptr && v.CanAddr() && v.Addr().Type().Implements(unmarshalerType) {
		return d.parseUnmarshaler(v.Addr()), nil
	}
	if v.Kind() == reflect.Ptr {
		return d.parseValue(v.Elem())
	}

	if v.Kind() == reflect.Interface && v.NumMethod() == 0 {
		b, err := d.r.ReadByte()
		if err != nil {
			return false, err
		}
		d.Offset++
		if b == 'e' {
			return false, nil
		}
		v.Set(reflect.ValueOf(d.parseValueInterfaceFrom(b)))
		return true, nil
	}

	b, err := d.r.ReadByte()
	if err != nil {
		return false, err
	}
	d.Offset++

	switch b {
	case 'e':
		return false, nil
	case 'd':
		return true, d.parseDict(v)
	case 'l':
		return true, d.parseList(v)
	case 'i':
		return true, d.parseInt(v)
	default:
		if b >= '0' && b <= '9' {
			d.buf.Reset()
			d.buf.WriteByte(b)
			return true, d.parseString(v)
		}
		d.throwSyntaxError(d.Offset-1, fmt.Errorf("unexpected value byte %q", b))
	}
	panic("unreachable")
}

// Returns true if there was a value and it's now stored in 'ret', otherwise
// there was an end symbol ("e") and no value was stored.
func (d *Decoder) parseValueInterface() (interface{}, bool) {
	b := d.readByte()
	if b == 'e' {
		return nil, false
	}
	return d.parseValueInterfaceFrom(b), true
}

func (d *Decoder) parseValueInterfaceFrom(b byte) interface{} {
	switch b {
	case 'd':
		return d.parseDictInterface()
	case 'l':
		return d.parseListInterface()
	case 'i':
		return d.parseIntInterface()
	default:
		if b >= '0' && b <= '9' {
			d.buf.Reset()
			d.buf.WriteByte(b)
			return d.parseStringInterface()
		}
		d.throwSyntaxError(d.Offset-1, fmt.Errorf("unexpected value byte %q", b))
	}
	panic("unreachable")
}

// Integers that don't fit an int64 come out as *big.Int.
func (d *Decoder) parseIntInterface() (ret interface{}) {
	start := d.Offset - 1
	d.readUntil('e')

	s := bytesAsString(d.buf.Bytes())
	d.checkIntegerText(s, start)

	n, err := strconv.ParseInt(s, 10, 64)
	if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
		i := new(big.Int)
		_, ok := i.SetString(s, 10)
		if !ok {
			d.throwSyntaxError(start, errors.New("invalid integer value"))
		}
		ret = i
	} else {
		checkForIntParseError(err, start)
		ret = n
	}

	d.buf.Reset()
	return
}

func (d *Decoder) parseStringInterface() string {
	return bytesAsString(d.readStringBody())
}

func (d *Decoder) parseDictInterface() interface{} {
	dict := make(map[string]interface{})
	for {
		keyi, ok := d.parseValueInterface()
		if !ok {
			break
		}
		key, ok := keyi.(string)
		if !ok {
			d.throwSyntaxError(d.Offset-1, errors.New("non-string key in a dict"))
		}
		valuei, ok := d.parseValueInterface()
		if !ok {
			// Key with no value. Drop the key rather than fail the whole
			// dict; some trackers emit these.
			break
		}
		dict[key] = valuei
	}
	return dict
}

func (d *Decoder) parseListInterface() interface{} {
	list := []interface{}{}
	for {
		valuei, ok := d.parseValueInterface()
		if !ok {
			break
		}
		list = append(list, valuei)
	}
	return list
}

type structField struct {
	index []int
	tag   tag
}

var structFieldsCache sync.Map // reflect.Type -> map[string]structField

func getStructFieldForKey(t reflect.Type, key string) (sf structField, ok bool) {
	m, found := structFieldsCache.Load(t)
	if !found {
		mm := make(map[string]structField)
		collectStructFields(t, nil, mm)
		m, _ = structFieldsCache.LoadOrStore(t, mm)
	}
	sf, ok = m.(map[string]structField)[key]
	return
}

func collectStructFields(t reflect.Type, prefix []int, out map[string]structField) {
	for i, n := 0, t.NumField(); i < n; i++ {
		f := t.Field(i)
		tagStr := f.Tag.Get("bencode")
		if f.Anonymous && f.Type.Kind() == reflect.Struct && tagStr == "" {
			collectStructFields(f.Type, append(append([]int(nil), prefix...), i), out)
			continue
		}
		if f.PkgPath != "" {
			continue
		}
		tg := parseTag(tagStr)
		if tg.Ignore() {
			continue
		}
		key := tg.Key()
		if key == "" {
			key = f.Name
		}
		if _, exists := out[key]; exists {
			continue
		}
		out[key] = structField{
			index: append(append([]int(nil), prefix...), i),
			tag:   tg,
		}
	}
}
