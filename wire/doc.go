// Package wire models the host protocol spoken over the FunctionRpc event
// stream: the StreamingMessage envelope, its payload variants, TypedData
// values, and the gRPC service descriptor and codec used to carry them.
//
// Messages are plain Go structs. They are marshaled with a JSON
// [encoding.Codec] registered under [CodecName], which clients select by
// content-subtype, see [NewFunctionRPCClient].
//
// [encoding.Codec]: https://pkg.go.dev/google.golang.org/grpc/encoding#Codec
package wire
