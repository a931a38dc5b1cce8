package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// emptyCell — значение пустой ячейки таблицы.
const emptyCell = "-"

// Output печатает результаты команд. Данные (таблицы, JSON, содержимое
// артефактов) идут в stdout, сообщения о ходе работы в stderr, чтобы
// `resumeflow run artifact ... > resume.md` и `--json | jq` работали.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит jsonData в режиме --json, иначе таблицу.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит выровненную таблицу. Пустые ячейки заменяются на "-".
func (o *Output) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(o.errW, "No results.")
		return
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	writeRow(tw, headers)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell
			if strings.TrimSpace(cell) == "" {
				cells[i] = emptyCell
			}
		}
		writeRow(tw, cells)
	}
	_ = tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Error(fmt.Sprintf("encode json: %v", err))
	}
}

// Raw выводит данные как есть (содержимое артефакта).
func (o *Output) Raw(data []byte) {
	_, _ = o.w.Write(data)
}

// Success пишет итоговое сообщение команды в stderr (в том числе в режиме --json).
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Progress пишет строку о ходе работы. В режиме --json молчит.
func (o *Output) Progress(msg string) {
	if !o.jsonMode {
		fmt.Fprintln(o.errW, msg)
	}
}

// Error пишет сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
