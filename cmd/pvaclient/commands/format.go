package commands

import (
	"fmt"
	"strings"

	"github.com/epics-go/pvaccess/internal/pvdata"
)

// formatValue renders value for terminal output: a bare scalar prints as
// itself, an NTScalar/NTScalarArray prints its "value" field, anything
// else falls back to a flat field listing.
func formatValue(v pvdata.Value) string {
	switch v.Desc.DKind {
	case pvdata.DescScalar, pvdata.DescBoundedString:
		return fmt.Sprintf("%v", v.Scalar)
	case pvdata.DescScalarArray, pvdata.DescBoundedArray:
		return fmt.Sprintf("%v", v.Array)
	case pvdata.DescStructure:
		if field, ok := v.Field("value"); ok {
			return formatValue(field)
		}
		return formatFields(v)
	default:
		return formatFields(v)
	}
}

func formatFields(v pvdata.Value) string {
	var b strings.Builder
	for i, f := range v.Desc.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", f.Name, formatValue(v.Fields[i]))
	}
	return b.String()
}
