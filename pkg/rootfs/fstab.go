package rootfs

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/outofforest/bootdisk/pkg/plan"
)

// FstabRow is the row of /etc/fstab.
type FstabRow struct {
	Source     string
	MountPoint string
	FSType     string
	Options    string
	Dump       uint
	Pass       uint
}

var fstabHeader = []string{"# <filesystem>", "<mnt>", "<type>", "<opts>", "<dump>", "<pass>"}

// Fstab returns rows mounting the OS partition as root and the data partition, if any, at its mount point.
func Fstab(config Config, root plan.Extent, data plan.Extent, hasData bool) []FstabRow {
	rows := []FstabRow{
		{
			Source:     "LABEL=" + root.Label,
			MountPoint: "/",
			FSType:     config.FSType,
			Options:    config.FstabOptions,
			Pass:       1,
		},
	}
	if hasData {
		rows = append(rows, FstabRow{
			Source:     "LABEL=" + data.Label,
			MountPoint: config.DataMountPoint,
			FSType:     config.FSType,
			Options:    config.FstabOptions,
			Pass:       2,
		})
	}
	return rows
}

// RenderFstab renders tab-separated fstab content.
func RenderFstab(rows []FstabRow) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("# This file is autogenerated\n")
	buf.WriteString(strings.Join(fstabHeader, "\t"))
	buf.WriteString("\n")
	for _, r := range rows {
		fmt.Fprintf(buf, "%s\t%s\t%s\t%s\t%d\t%d\n", r.Source, r.MountPoint, r.FSType, r.Options, r.Dump, r.Pass)
	}
	return buf.Bytes()
}
