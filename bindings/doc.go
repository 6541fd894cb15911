// Package bindings converts between wire values and the native values
// functions consume and produce.
//
// Every value passes through a [Datum], then a [Converter] selected by the
// binding type of the parameter, see [Registry]. Model binding data may
// instead be resolved by a [DeferredRegistry], memoized by a
// [DeferredCache].
package bindings
