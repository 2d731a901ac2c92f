// Package rangereader implements the synchronous RangeReader handle: a
// dedicated OS thread hosting a single-goroutine cooperative event loop,
// reached via request/reply channels, dispatching to an async range
// reader implementation backed by minio-go.
package rangereader

import (
	"context"
	"errors"
)

var errUnknownRequest = errors.New("rangereader: unknown request type")

// RangeSpec is one requested byte range, half-open [Offset, Offset+Length).
type RangeSpec struct {
	Offset int64
	Length int64
}

// RangePart is one fulfilled range from ReadMultiRanges.
type RangePart struct {
	Offset int64
	Data   []byte
}

// Request is the tagged sum dispatched through the bridge, one variant
// per async method.
type Request interface {
	isRequest()
}

type UpdateURLsRequest struct{ URLs []string }
type IoURLsRequest struct{}
type ReadAtRequest struct {
	Key  string
	Pos  int64
	Size int64
}
type ReadMultiRangesRequest struct {
	Key    string
	Ranges []RangeSpec
}
type ExistRequest struct{ Key string }
type FileSizeRequest struct{ Key string }
type DownloadRequest struct{ Key string }
type ReadLastBytesRequest struct {
	Key  string
	Size int64
}

func (UpdateURLsRequest) isRequest()      {}
func (IoURLsRequest) isRequest()          {}
func (ReadAtRequest) isRequest()          {}
func (ReadMultiRangesRequest) isRequest() {}
func (ExistRequest) isRequest()           {}
func (FileSizeRequest) isRequest()        {}
func (DownloadRequest) isRequest()        {}
func (ReadLastBytesRequest) isRequest()   {}

// ResponseData is the tagged sum of payload shapes a Request may produce.
type ResponseData interface {
	isResponseData()
}

type BytesData struct{ Bytes []byte }
type BytesWithSizeData struct {
	Bytes []byte
	Size  int64
}
type StringsData struct{ Strings []string }
type PartsData struct{ Parts []RangePart }
type BoolData struct{ Bool bool }
type U64Data struct{ U64 uint64 }

func (BytesData) isResponseData()          {}
func (BytesWithSizeData) isResponseData()  {}
func (StringsData) isResponseData()        {}
func (PartsData) isResponseData()          {}
func (BoolData) isResponseData()           {}
func (U64Data) isResponseData()            {}

// Response pairs a request's payload with its error; exactly one of the
// two is set.
type Response struct {
	Data ResponseData
	Err  error
}

// AsyncReader is the backing implementation the bridge dispatches
// requests to. MinioReader is the concrete one in this package; tests
// substitute fakes.
type AsyncReader interface {
	UpdateURLs(ctx context.Context, urls []string) error
	IoURLs(ctx context.Context) ([]string, error)
	ReadAt(ctx context.Context, key string, pos, size int64) ([]byte, error)
	ReadMultiRanges(ctx context.Context, key string, ranges []RangeSpec) ([]RangePart, error)
	Exist(ctx context.Context, key string) (bool, error)
	FileSize(ctx context.Context, key string) (int64, error)
	Download(ctx context.Context, key string) ([]byte, error)
	ReadLastBytes(ctx context.Context, key string, size int64) ([]byte, int64, error)
}

// send dispatches req against reader, producing the matching ResponseData.
func send(ctx context.Context, reader AsyncReader, req Request) Response {
	switch r := req.(type) {
	case UpdateURLsRequest:
		if err := reader.UpdateURLs(ctx, r.URLs); err != nil {
			return Response{Err: err}
		}
		return Response{Data: BoolData{Bool: true}}
	case IoURLsRequest:
		urls, err := reader.IoURLs(ctx)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: StringsData{Strings: urls}}
	case ReadAtRequest:
		data, err := reader.ReadAt(ctx, r.Key, r.Pos, r.Size)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: BytesWithSizeData{Bytes: data, Size: int64(len(data))}}
	case ReadMultiRangesRequest:
		parts, err := reader.ReadMultiRanges(ctx, r.Key, r.Ranges)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: PartsData{Parts: parts}}
	case ExistRequest:
		ok, err := reader.Exist(ctx, r.Key)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: BoolData{Bool: ok}}
	case FileSizeRequest:
		size, err := reader.FileSize(ctx, r.Key)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: U64Data{U64: uint64(size)}}
	case DownloadRequest:
		data, err := reader.Download(ctx, r.Key)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: BytesData{Bytes: data}}
	case ReadLastBytesRequest:
		data, size, err := reader.ReadLastBytes(ctx, r.Key, r.Size)
		if err != nil {
			return Response{Err: err}
		}
		return Response{Data: BytesWithSizeData{Bytes: data, Size: size}}
	default:
		return Response{Err: errUnknownRequest}
	}
}
