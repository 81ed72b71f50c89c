// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	json "github.com/goccy/go-json"
)

// Item is a single DynamoDB record.
type Item = map[string]*dynamodb.AttributeValue

// attributeValue is a copy of dynamodb.AttributeValue with some json
// tags added to avoid encoding omitted entries when writing out the dump.
type attributeValue struct {
	// A Binary data type.
	//
	// B is automatically base64 encoded/decoded by the SDK.
	B []byte `json:",omitempty"`

	// A Boolean data type.
	BOOL *bool `json:",omitempty"`

	// A Binary Set data type.
	BS [][]byte `json:",omitempty"`

	// A List of attribute values.
	L []*attributeValue `json:",omitempty"`

	// A Map of attribute values.
	M map[string]*attributeValue `json:",omitempty"`

	// A Number data type.
	N *string `json:",omitempty"`

	// A Number Set data type.
	NS []*string `json:",omitempty"`

	// A Null data type.
	NULL *bool `json:",omitempty"`

	// A String data type.
	S *string `json:",omitempty"`

	// A String Set data type.
	SS []*string `json:",omitempty"`
}

func toAttribute(src *dynamodb.AttributeValue) (dst *attributeValue) {
	dst = &attributeValue{
		B:    src.B,
		BOOL: src.BOOL,
		BS:   src.BS,
		N:    src.N,
		NS:   src.NS,
		NULL: src.NULL,
		S:    src.S,
		SS:   src.SS,
	}
	if src.L != nil {
		dst.L = make([]*attributeValue, len(src.L))
		for i := range src.L {
			dst.L[i] = toAttribute(src.L[i])
		}
	}
	if src.M != nil {
		dst.M = make(map[string]*attributeValue)
		for k, v := range src.M {
			dst.M[k] = toAttribute(v)
		}
	}
	return dst
}

func toAttributes(item Item) map[string]*attributeValue {
	out := make(map[string]*attributeValue, len(item))
	for k, v := range item {
		out[k] = toAttribute(v)
	}
	return out
}

// EncodeItem serializes an item as DynamoDB JSON.  Map keys are sorted, so
// equal items always produce identical bytes.
func EncodeItem(item Item) ([]byte, error) {
	return json.Marshal(toAttributes(item))
}

// DecodeItem parses DynamoDB JSON produced by EncodeItem.
func DecodeItem(data []byte) (item Item, err error) {
	err = json.Unmarshal(data, &item)
	return item, err
}

// KeyHash returns the hex MD5 of the serialized primary key of item.  Key
// attributes are written in keySchema order, hash key first.  It fails if
// any attribute named in keySchema is missing from the item.
func KeyHash(item Item, keySchema []string) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range keySchema {
		av, ok := item[name]
		if !ok || av == nil {
			return "", fmt.Errorf("item is missing key attribute %q", name)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return "", err
		}
		v, err := json.Marshal(toAttribute(av))
		if err != nil {
			return "", err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// SimpleEncoder writes DynamoDB items to a stream as newline delimited JSON.
type SimpleEncoder struct {
	jw *json.Encoder
	m  sync.Mutex
}

// NewSimpleEncoder creates an initializes a new SimpleEncoder.
func NewSimpleEncoder(w io.Writer) *SimpleEncoder {
	return &SimpleEncoder{
		jw: json.NewEncoder(w),
	}
}

// WriteItem encodes a single item followed by a newline.
func (e *SimpleEncoder) WriteItem(item Item) error {
	e.m.Lock()
	err := e.jw.Encode(toAttributes(item))
	e.m.Unlock()
	return err
}

// SimpleDecoder reads a stream of JSON encoded items, such as one written
// by a SimpleEncoder.
type SimpleDecoder struct {
	jd *json.Decoder
}

// NewSimpleDecoder creates and initializes a new SimpleDecoder.
func NewSimpleDecoder(r io.Reader) *SimpleDecoder {
	return &SimpleDecoder{
		jd: json.NewDecoder(r),
	}
}

// Decode returns the next item from the stream, or io.EOF at the end.
func (d *SimpleDecoder) Decode() (item Item, err error) {
	err = d.jd.Decode(&item)
	return item, err
}
