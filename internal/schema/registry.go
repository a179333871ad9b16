// Package schema loads the binary wire schema of the market data feed and
// decodes raw websocket frames into FeedResponse messages.
package schema

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

var (
	// ErrSchemaUnavailable is returned by Decode before a successful Load or
	// after Load failed.
	ErrSchemaUnavailable = errors.New("schema unavailable")
	// ErrMalformedFrame is returned by Decode when a frame does not parse as
	// the top-level message.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Source produces the set of file descriptors that contains the top-level
// message.
type Source func() (*protoregistry.Files, error)

// BuiltinSource serves the compiled-in Upstox v3 market feed schema.
func BuiltinSource() Source {
	return func() (*protoregistry.Files, error) {
		fd, err := protodesc.NewFile(upstoxFeedFile(), nil)
		if err != nil {
			return nil, fmt.Errorf("build feed descriptor: %w", err)
		}
		files := new(protoregistry.Files)
		if err := files.RegisterFile(fd); err != nil {
			return nil, fmt.Errorf("register feed descriptor: %w", err)
		}
		return files, nil
	}
}

// FileSource reads a serialized FileDescriptorSet, as written by
// `protoc --include_imports --descriptor_set_out`.
func FileSource(path string) Source {
	return func() (*protoregistry.Files, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read descriptor set: %w", err)
		}
		var set descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parse descriptor set %s: %w", path, err)
		}
		files, err := protodesc.NewFiles(&set)
		if err != nil {
			return nil, fmt.Errorf("link descriptor set %s: %w", path, err)
		}
		return files, nil
	}
}

// Registry loads a schema once and decodes frames against one top-level
// message type. It is safe for concurrent use.
type Registry struct {
	source  Source
	message protoreflect.FullName

	once  sync.Once
	state atomic.Pointer[loadResult]
}

type loadResult struct {
	desc protoreflect.MessageDescriptor
	err  error
}

// NewRegistry returns a registry for message out of src. Nothing is loaded
// until Load is called.
func NewRegistry(src Source, message string) *Registry {
	if src == nil {
		src = BuiltinSource()
	}
	if message == "" {
		message = FeedResponseName
	}
	return &Registry{source: src, message: protoreflect.FullName(message)}
}

var defaultRegistry = NewRegistry(BuiltinSource(), FeedResponseName)

// Default returns the process wide registry for the built-in market schema.
func Default() *Registry {
	return defaultRegistry
}

// Load resolves the schema. Only the first call does any work; later calls
// return the first call's result.
func (r *Registry) Load() error {
	r.once.Do(func() {
		md, err := r.resolve()
		r.state.Store(&loadResult{desc: md, err: err})
	})
	return r.state.Load().err
}

func (r *Registry) resolve() (protoreflect.MessageDescriptor, error) {
	files, err := r.source()
	if err != nil {
		return nil, err
	}
	d, err := files.FindDescriptorByName(r.message)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", r.message, err)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a message", r.message)
	}
	return md, nil
}

// Loaded reports whether Load completed successfully.
func (r *Registry) Loaded() bool {
	st := r.state.Load()
	return st != nil && st.err == nil
}

func (r *Registry) descriptor() (protoreflect.MessageDescriptor, error) {
	st := r.state.Load()
	switch {
	case st == nil:
		return nil, ErrSchemaUnavailable
	case st.err != nil:
		return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, st.err)
	}
	return st.desc, nil
}

// Decode parses one frame. It never panics: schema problems yield
// ErrSchemaUnavailable and bad bytes yield ErrMalformedFrame.
func (r *Registry) Decode(data []byte) (*FeedResponse, error) {
	md, err := r.descriptor()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &FeedResponse{msg: msg}, nil
}

// FrameFromJSON builds a binary frame from the protojson form of the
// top-level message. It is used to replay captured feeds and in tests.
func (r *Registry) FrameFromJSON(data []byte) ([]byte, error) {
	md, err := r.descriptor()
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse frame json: %w", err)
	}
	return proto.Marshal(msg)
}
