package sheets

import (
	"fmt"
	"io"

	"github.com/warp/incapacidades/incapacidad"
	"github.com/warp/incapacidades/lifecycle"
	"github.com/xuri/excelize/v2"
)

// ExportColumns of the case export sheet, in order.
var ExportColumns = []string{
	"Serial",
	"Cedula",
	"Nombre",
	"Empresa",
	"Tipo",
	"Dias",
	"Estado",
	"EPS",
	"Fecha inicio",
	"Fecha fin",
	"Bloquea nueva",
	"Reenvios",
	"Link Drive",
	"Fecha registro",
}

// ExportCases writes cases as a single-sheet workbook to w. Employees fill
// the name, company and EPS columns; unknown cedulas show "No registrado".
func ExportCases(w io.Writer, cases []lifecycle.Case, employees []lifecycle.Employee) error {
	byCedula := make(map[string]lifecycle.Employee, len(employees))
	for _, e := range employees {
		byCedula[e.Cedula] = e
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", DefaultSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeHeader(f, DefaultSheet, ExportColumns); err != nil {
		return err
	}

	for i, c := range cases {
		nombre, empresa, eps := "No registrado", "Otra", ""
		if e, ok := byCedula[c.Cedula]; ok {
			nombre, eps = e.Nombre, e.EPS
			if e.Empresa != "" {
				empresa = e.Empresa
			}
		}
		bloquea := "NO"
		if c.BloqueaNueva {
			bloquea = "SI"
		}
		row := []interface{}{
			c.Serial,
			c.Cedula,
			nombre,
			empresa,
			incapacidad.ParseTipo(c.Tipo).Label(),
			c.DiasIncapacidad,
			string(c.Estado),
			eps,
			c.FechaInicio.String(),
			c.FechaFin.String(),
			bloquea,
			c.Metadata.TotalReenvios,
			c.DriveLink,
			c.CreatedAt.UTC().Format("2006-01-02 15:04"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(DefaultSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", c.Serial, err)
		}
	}

	return f.Write(w)
}
