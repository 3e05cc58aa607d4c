package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deskrelay/backend/internal/models"
)

const supportDepartmentName = "Suporte"

// Names accepted as the human support desk, compared case-insensitively
// against the whole name.
var supportNames = map[string]struct{}{
	"suporte": {},
	"support": {},
}

func isSupportDepartment(name string) bool {
	_, ok := supportNames[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func departmentOptions(deps []models.Department) []models.DepartmentOption {
	out := make([]models.DepartmentOption, 0, len(deps))
	for i, d := range deps {
		out = append(out, models.DepartmentOption{Index: i + 1, ID: d.ID, Name: d.Name})
	}
	return out
}

func departmentPrompt(opts []models.DepartmentOption) string {
	var b strings.Builder
	b.WriteString("Olá! Para agilizar seu atendimento, responda com o número do departamento:")
	for _, o := range opts {
		fmt.Fprintf(&b, "\n%d - %s", o.Index, o.Name)
	}
	return b.String()
}

func departmentConfirmation(d models.Department) string {
	return fmt.Sprintf("Você foi direcionado para o departamento %s. Em breve você será atendido.", d.Name)
}

const fallbackApology = "Desculpe, não consegui concluir seu atendimento automático. Estou transferindo você para um atendente humano."

// parseChoice reads a bare 1-based option number.
func parseChoice(text string, count int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

func defaultDepartment(deps []models.Department) (models.Department, bool) {
	for _, d := range deps {
		if d.IsDefault {
			return d, true
		}
	}
	return models.Department{}, false
}
