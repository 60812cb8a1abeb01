package cv

import (
	"sort"

	"cvfolio/internal/database"
)

// FromModel 把数据库中的 CV（需预加载 Experiences）组装成渲染文档。
func FromModel(model database.CV) (Document, error) {
	content, err := ParseContent(model.Content)
	if err != nil {
		return Document{}, err
	}

	rows := append([]database.Experience(nil), model.Experiences...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Position != rows[j].Position {
			return rows[i].Position < rows[j].Position
		}
		return rows[i].StartDate.After(rows[j].StartDate)
	})

	exps := make([]Experience, 0, len(rows))
	for _, e := range rows {
		exps = append(exps, Experience{
			Title:       e.Title,
			Company:     e.Company,
			Location:    e.Location,
			StartDate:   e.StartDate,
			EndDate:     e.EndDate,
			Current:     e.Current,
			Description: e.Description,
		})
	}

	title := model.Title
	if title == "" {
		title = content.Personal.FullName
	}
	return Document{
		Title:       title,
		Theme:       model.Theme,
		Content:     content,
		Experiences: exps,
	}, nil
}
