package ui

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/huddle/internal/registry"
)

// RoomsTable renders the server's open rooms.
func RoomsTable(rooms []registry.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No open rooms")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.SetTitle("Open rooms")
	t.AppendHeader(table.Row{"#", "Room", "Members", "Free seats"})

	var members int
	for i, r := range rooms {
		members += r.Members
		t.AppendRow(table.Row{i + 1, r.Key, fmt.Sprintf("%d/%d", r.Members, r.Capacity), r.Capacity - r.Members})
	}
	t.AppendFooter(table.Row{"", "Total", members, ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})

	return t.Render()
}
