// Copyright 2024 The LUCI Authors.
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

package model

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/gae/service/datastore"
)

// defaultStructValues defaults nil or empty values inside the given
// structpb.Struct. Needed because structpb.Value cannot be marshaled to JSON
// unless there is a kind set.
func defaultStructValues(s *structpb.Struct) {
	for k, v := range s.GetFields() {
		switch {
		case v == nil:
			s.Fields[k] = structpb.NewNullValue()
		case v.Kind == nil:
			v.Kind = &structpb.Value_NullValue{}
		case v.GetStructValue() != nil:
			defaultStructValues(v.GetStructValue())
		}
	}
}

// Ensure DSStruct implements datastore.PropertyConverter.
var _ datastore.PropertyConverter = &DSStruct{}

// DSStruct is a wrapper around structpb.Struct.
// Implements datastore.PropertyConverter,
// allowing reads from and writes to the datastore.
type DSStruct struct {
	structpb.Struct
}

// FromProperty deserializes structpb.Struct protos from the datastore.
// Implements datastore.PropertyConverter.
func (s *DSStruct) FromProperty(p datastore.Property) error {
	raw, _ := p.Value().([]byte)
	s.Struct.Reset()
	if err := proto.Unmarshal(raw, &s.Struct); err != nil {
		return errors.Annotate(err, "failed to unmarshal struct").Err()
	}
	defaultStructValues(&s.Struct)
	return nil
}

// ToProperty serializes structpb.Struct protos to datastore format.
// Implements datastore.PropertyConverter.
func (s *DSStruct) ToProperty() (datastore.Property, error) {
	p := datastore.Property{}
	b, err := proto.Marshal(&s.Struct)
	if err != nil {
		return p, errors.Annotate(err, "failed to marshal proto").Err()
	}
	// noindex is not respected in tags.
	return p, p.SetValue(b, datastore.NoIndex)
}

// Set replaces the contents with a copy of src.
func (s *DSStruct) Set(src *structpb.Struct) {
	s.Struct.Reset()
	if src != nil {
		proto.Merge(&s.Struct, src)
	}
}

// MergeFields sets every top-level field of src, overwriting existing ones.
func (s *DSStruct) MergeFields(src *structpb.Struct) {
	if len(src.GetFields()) == 0 {
		return
	}
	if s.Fields == nil {
		s.Fields = make(map[string]*structpb.Value, len(src.Fields))
	}
	for k, v := range src.Fields {
		s.Fields[k] = proto.Clone(v).(*structpb.Value)
	}
}

// Equal returns true if s holds the same fields as other.
func (s *DSStruct) Equal(other *structpb.Struct) bool {
	if other == nil {
		other = &structpb.Struct{}
	}
	return proto.Equal(&s.Struct, other)
}
