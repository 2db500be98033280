package layout

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/addrspace/memlayout/memcore"
	"github.com/addrspace/memlayout/region"
)

// BuildLayoutString renders every tree as a JSON document, for dumping the
// finished layout into logs or golden files. Each tree always gets summary
// statistics; detailed adds the full region list.
func (s *State) BuildLayoutString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	writeTreeJson(&obj, "Physical", s.physical, detailed)
	writeTreeJson(&obj, "Virtual", s.virtual, detailed)
	writeTreeJson(&obj, "PhysicalLinear", s.physicalLinear, detailed)
	writeTreeJson(&obj, "VirtualLinear", s.virtualLinear, detailed)
	obj.End()

	return string(writer.Bytes())
}

func writeTreeJson(json *jwriter.ObjectState, name string, tree *region.Tree, detailed bool) {
	treeObj := json.Name(name).Object()
	defer treeObj.End()

	var stats memcore.TreeStatistics
	tree.AddStatistics(&stats)

	treeObj.Name("TotalBytes").Int(int(stats.TotalBytes))
	treeObj.Name("AssignedBytes").Int(int(stats.AssignedBytes))
	treeObj.Name("UnassignedBytes").Int(int(stats.UnassignedBytes))

	if detailed {
		tree.TreeJsonData(treeObj)
	}
}
