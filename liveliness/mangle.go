package liveliness

import "strings"

// Token names are slash-delimited, but namespaces, topic names and type names
// contain slashes of their own. Mangling swaps them for "%" so every field
// occupies exactly one token segment.

// MangleName replaces "/" instances with "%".
func MangleName(in string) string {
	return strings.ReplaceAll(in, "/", "%")
}

// DemangleName replaces "%" instances with "/".
func DemangleName(in string) string {
	return strings.ReplaceAll(in, "%", "/")
}

const (
	serviceRequestSuffix  = "_Request"
	serviceResponseSuffix = "_Response"
)

// TrimServiceTypeSuffix strips the request/response suffix from a service
// type name so the logical service type is advertised once rather than twice.
// Names without the suffix are returned unchanged.
func TrimServiceTypeSuffix(typeName string) string {
	if s, ok := strings.CutSuffix(typeName, serviceRequestSuffix); ok {
		return s
	}
	if s, ok := strings.CutSuffix(typeName, serviceResponseSuffix); ok {
		return s
	}
	return typeName
}

// ServiceRequestTypeName re-derives the raw request type for a logical
// service type.
func ServiceRequestTypeName(serviceType string) string {
	return serviceType + serviceRequestSuffix
}

// ServiceResponseTypeName re-derives the raw response type for a logical
// service type.
func ServiceResponseTypeName(serviceType string) string {
	return serviceType + serviceResponseSuffix
}
