//
// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package streamtable

import (
	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// Codec converts between table items and application values.
type Codec[T any] interface {
	Encode(value T) (changestreams.Item, error)
	Decode(item changestreams.Item) (T, error)
}

// MapCodec maps struct fields to item attributes by field tag.
type MapCodec[T any] struct {
	// TagName is the struct tag naming the attributes. Defaults to "item".
	TagName string
}

func (c MapCodec[T]) tagName() string {
	if c.TagName == "" {
		return "item"
	}
	return c.TagName
}

// Encode implements Codec.
func (c MapCodec[T]) Encode(value T) (changestreams.Item, error) {
	item := changestreams.Item{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: c.tagName(),
		Result:  &item,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := decoder.Decode(value); err != nil {
		return nil, errors.Annotatef(err, "encoding %T", value)
	}
	return item, nil
}

// Decode implements Codec. Attribute values are converted to the field types
// where possible, so numbers read back as float64 decode into integer fields.
func (c MapCodec[T]) Decode(item changestreams.Item) (T, error) {
	var value T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          c.tagName(),
		WeaklyTypedInput: true,
		Result:           &value,
	})
	if err != nil {
		return value, errors.Trace(err)
	}
	if err := decoder.Decode(map[string]interface{}(item)); err != nil {
		return value, errors.Annotatef(err, "decoding %T", value)
	}
	return value, nil
}

// ItemCodec passes items through unchanged.
type ItemCodec struct{}

// Encode implements Codec.
func (ItemCodec) Encode(value changestreams.Item) (changestreams.Item, error) {
	if value == nil {
		return nil, errors.NotValidf("nil item")
	}
	return value, nil
}

// Decode implements Codec.
func (ItemCodec) Decode(item changestreams.Item) (changestreams.Item, error) {
	return item, nil
}
